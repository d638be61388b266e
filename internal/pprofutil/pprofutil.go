package pprofutil

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultAddr = "127.0.0.1:6060"

// Start serves /debug/pprof/ on addr. Non-loopback binds are refused unless
// allowPublic is set. The returned server is already listening.
func Start(addr string, allowPublic bool, log *zap.Logger) (*http.Server, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof addr must be loopback unless public access is allowed: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if log != nil {
		log.Info("pprof enabled", zap.String("url", "http://"+srv.Addr+"/debug/pprof/"))
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Warn("pprof server stopped", zap.Error(err))
		}
	}()
	return srv, nil
}

// StartFromEnv starts the server when MESH_PPROF=1, reading MESH_PPROF_ADDR
// and MESH_PPROF_ALLOW_PUBLIC. It returns nil, nil when disabled.
func StartFromEnv(log *zap.Logger) (*http.Server, error) {
	if strings.TrimSpace(os.Getenv("MESH_PPROF")) != "1" {
		return nil, nil
	}
	return Start(strings.TrimSpace(os.Getenv("MESH_PPROF_ADDR")),
		strings.TrimSpace(os.Getenv("MESH_PPROF_ALLOW_PUBLIC")) == "1", log)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
