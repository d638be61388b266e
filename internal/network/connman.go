package network

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"signalmesh/internal/debuglog"
)

const (
	defaultConnManTick   = 5 * time.Second
	defaultBackoffBase   = time.Second
	defaultBackoffJitter = 500 * time.Millisecond
	defaultMaxBackoff    = 2 * time.Minute
	connManDialLogTTL    = 30 * time.Second
	maxBackoffShift      = 30
)

type ConnManOptions struct {
	Tick        time.Duration
	BackoffBase time.Duration
	Jitter      time.Duration
	MaxBackoff  time.Duration
	Seed        int64
	Logger      *zap.Logger
}

type dialState struct {
	peer    string
	fails   int
	nextTry time.Time
}

// ConnManager keeps a fixed set of bootstrap addresses connected, backing
// off exponentially (with jitter) per address after failed dials.
type ConnManager struct {
	dial      func(ctx context.Context, addr string) (string, error)
	connected func(peer string) bool
	opts      ConnManOptions
	log       *zap.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	state map[string]*dialState
}

func NewConnManager(tr *QUICTransport, addrs []string, opts ConnManOptions) *ConnManager {
	connected := func(peer string) bool {
		_, ok := tr.pool.get(peer)
		return ok
	}
	return newConnManager(tr.Dial, connected, addrs, opts)
}

func newConnManager(dial func(context.Context, string) (string, error), connected func(string) bool, addrs []string, opts ConnManOptions) *ConnManager {
	if opts.Tick <= 0 {
		opts.Tick = defaultConnManTick
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	} else if opts.Jitter == 0 {
		opts.Jitter = defaultBackoffJitter
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	logger := opts.Logger
	if logger == nil {
		logger = debuglog.Named("connman")
	}
	c := &ConnManager{
		dial:      dial,
		connected: connected,
		opts:      opts,
		log:       logger,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		state:     make(map[string]*dialState),
	}
	for _, a := range addrs {
		if a != "" {
			c.state[a] = &dialState{}
		}
	}
	return c
}

// Run dials immediately and then on every tick until ctx is done.
func (c *ConnManager) Run(ctx context.Context) {
	t := time.NewTicker(c.opts.Tick)
	defer t.Stop()
	c.tickOutbound(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.tickOutbound(ctx, now)
		}
	}
}

func (c *ConnManager) tickOutbound(ctx context.Context, now time.Time) {
	for _, addr := range c.due(now) {
		if ctx.Err() != nil {
			return
		}
		peer, err := c.dial(ctx, addr)
		if err != nil {
			c.markFailure(addr, now)
			debuglog.RateLimitedf("connman-dial:"+addr, connManDialLogTTL, "bootstrap dial failed addr=%s err=%v", addr, err)
			continue
		}
		c.markSuccess(addr, peer)
		c.log.Info("bootstrap peer connected", zap.String("addr", addr), zap.String("peer", peer))
	}
}

// due lists addresses that are disconnected and past their backoff.
func (c *ConnManager) due(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for addr, st := range c.state {
		if st.peer != "" && c.connected(st.peer) {
			continue
		}
		if !st.nextTry.IsZero() && now.Before(st.nextTry) {
			continue
		}
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

func (c *ConnManager) markSuccess(addr, peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state[addr]
	st.peer = peer
	st.fails = 0
	st.nextTry = time.Time{}
}

func (c *ConnManager) markFailure(addr string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state[addr]
	st.peer = ""
	st.nextTry = now.Add(c.backoffLocked(st.fails))
	st.fails++
}

func (c *ConnManager) backoffLocked(fails int) time.Duration {
	shift := min(max(fails, 0), maxBackoffShift)
	raw := c.opts.BackoffBase * time.Duration(1<<shift)
	if c.opts.Jitter > 0 {
		raw += time.Duration(c.rng.Int63n(int64(c.opts.Jitter)))
	}
	if raw > c.opts.MaxBackoff || raw <= 0 {
		return c.opts.MaxBackoff
	}
	return raw
}
