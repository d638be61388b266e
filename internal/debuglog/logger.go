package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process-wide logger. The zero value logs info and
// above to stderr.
type Options struct {
	Level      string
	JSON       bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu     sync.RWMutex
	base   = build(Options{})
	level  zap.AtomicLevel
	rlMu   sync.Mutex
	rlKeys = make(map[string]*rateEntry)
)

type rateEntry struct {
	s    *rate.Sometimes
	last time.Time
}

func enabled() bool {
	return os.Getenv("MESH_DEBUG") == "1"
}

func build(opts Options) *zap.Logger {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		if parsed, err := zapcore.ParseLevel(opts.Level); err == nil {
			lvl = parsed
		}
	}
	if enabled() {
		lvl = zapcore.DebugLevel
	}
	level = zap.NewAtomicLevelAt(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	}
	return zap.New(zapcore.NewCore(enc, sink, level))
}

// Configure replaces the process-wide logger.
func Configure(opts Options) {
	l := build(opts)
	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
}

// SetLogger installs an externally built logger, typically zaptest in tests.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Named(name string) *zap.Logger {
	return L().Named(name)
}

func Sync() error {
	return L().Sync()
}

func Logf(format string, args ...any) {
	L().Info(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	l := L()
	if !l.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	l.Debug(fmt.Sprintf(format, args...))
}

// RateLimitedf logs at most once per interval for each key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	e, ok := rlKeys[key]
	if !ok {
		e = &rateEntry{s: &rate.Sometimes{Interval: interval}}
		rlKeys[key] = e
	}
	e.last = now
	if len(rlKeys) > 4096 {
		for k, v := range rlKeys {
			if now.Sub(v.last) > 4*interval {
				delete(rlKeys, k)
			}
		}
	}
	rlMu.Unlock()
	e.s.Do(func() {
		L().Warn(fmt.Sprintf(format, args...), zap.String("key", key))
	})
}

// SetLevel changes the level of a logger built by Configure.
func SetLevel(s string) error {
	parsed, err := zapcore.ParseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(parsed)
	return nil
}
