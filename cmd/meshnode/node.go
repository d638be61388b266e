package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"signalmesh/internal/crypto"
	"signalmesh/internal/debuglog"
	"signalmesh/internal/mesh"
	"signalmesh/internal/metrics"
	"signalmesh/internal/network"
	"signalmesh/internal/pprofutil"
	"signalmesh/internal/proto"
	"signalmesh/internal/store"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start a node",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "listen addr (host:port)"},
		&cli.StringSliceFlag{Name: "peer", Usage: "peer addr to dial (repeatable)"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve /metrics and /snapshot on this addr"},
		&cli.BoolFlag{Name: "stdin", Usage: "broadcast stdin lines as chat; lines starting with !sos go out as emergencies"},
		&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
	},
	Action: runNode,
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func runNode(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Transport.ListenAddr = addr
	}
	cfg.Transport.Peers = append(cfg.Transport.Peers, c.StringSlice("peer")...)
	if addr := c.String("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}
	if c.Bool("debug") {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	debuglog.Configure(cfg.LogOptions())
	defer func() { _ = debuglog.Sync() }()
	log := debuglog.Named("meshnode")

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer st.Close()
	nodeID := cfg.Node.ID
	if nodeID == "" {
		if nodeID, err = st.NodeID(uuid.NewString); err != nil {
			return err
		}
	}

	m := metrics.New()
	sessions := crypto.NewSessionStore(nodeID)
	tr, err := network.NewQUICTransport(cfg.TransportOptions(nodeID, sessions, m))
	if err != nil {
		return err
	}
	defer tr.Close()
	var security mesh.Security
	if cfg.Transport.Encrypt {
		security = sessions
	}
	eng, err := mesh.New(cfg.EngineConfig(nodeID, nil, m), tr, security)
	if err != nil {
		return err
	}
	defer eng.Close()
	tr.SetInbound(eng)
	restore(st, eng, log)

	out := &syncWriter{w: c.App.Writer}
	show := func(payload []byte, kind mesh.Kind, source string) {
		out.printf("DELIVER kind=%s from=%s %s\n", kind, source, payload)
	}
	for _, k := range []proto.Kind{proto.KindChat, proto.KindSystem, proto.KindGame} {
		eng.OnMessage(k, show)
	}
	eng.OnEmergency(show)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tr.Listen(); err != nil {
		return err
	}
	out.printf("READY addr=%s node_id=%s\n", tr.Addr(), nodeID)
	if len(cfg.Transport.Peers) > 0 {
		cm := network.NewConnManager(tr, cfg.Transport.Peers, network.ConnManOptions{Logger: log})
		go cm.Run(ctx)
	}
	if srv, err := pprofutil.StartFromEnv(log); err != nil {
		log.Warn("pprof disabled", zap.Error(err))
	} else if srv != nil {
		defer srv.Close()
	}
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, m, log)
		defer srv.Close()
	}
	if cfg.Store.SaveInterval > 0 {
		go func() {
			t := time.NewTicker(cfg.Store.SaveInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := save(st, eng); err != nil {
						log.Warn("periodic save failed", zap.Error(err))
					}
				}
			}
		}()
	}
	if c.Bool("stdin") {
		go readInput(ctx, c.App.Reader, eng, out)
	}

	runErr := eng.Run(ctx)
	if err := save(st, eng); err != nil {
		log.Warn("final save failed", zap.Error(err))
	}
	log.Info("node stopped", zap.String("node", nodeID))
	return runErr
}

func serveMetrics(addr string, m *metrics.Metrics, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

func restore(st *store.Store, eng *mesh.Engine, log *zap.Logger) {
	snap, ok, err := st.LoadTrust()
	switch {
	case err != nil:
		log.Warn("trust restore failed", zap.Error(err))
	case ok:
		if err := eng.Trust().Restore(snap); err != nil {
			log.Warn("trust restore failed", zap.Error(err))
		}
	}
	adj, ok, err := st.LoadTopology()
	switch {
	case err != nil:
		log.Warn("topology restore failed", zap.Error(err))
	case ok:
		eng.MergeTopology(adj)
	}
}

func save(st *store.Store, eng *mesh.Engine) error {
	snap, err := eng.Trust().Snapshot()
	if err != nil {
		return err
	}
	if err := st.SaveTrust(snap); err != nil {
		return err
	}
	return st.SaveTopology(eng.TopologySnapshot())
}

func readInput(ctx context.Context, r io.Reader, eng *mesh.Engine, out *syncWriter) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var (
			id  string
			err error
		)
		if rest, ok := strings.CutPrefix(line, "!sos "); ok {
			id, err = eng.SendEmergency([]byte(rest), proto.KindEmergencyDanger)
		} else {
			id, err = eng.Broadcast([]byte(line), proto.KindChat)
		}
		if err != nil {
			out.printf("SEND failed: %v\n", err)
			continue
		}
		out.printf("SENT id=%s\n", id)
	}
}
