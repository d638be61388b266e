package network

import (
	"sync"

	"signalmesh/internal/metrics"
)

// Reasons reported to metrics when the transport refuses work.
const (
	rejectConnCap   = "conn_cap"
	rejectStreamCap = "stream_cap"
	rejectHandshake = "handshake"
)

// limiter caps inbound load. Connections are counted per remote IP because
// the peer id is unknown until the hello exchange; streams are counted per
// peer id once it is.
type limiter struct {
	mu         sync.Mutex
	maxConns   int
	maxStreams int
	conns      map[string]int
	streams    map[string]int
	metrics    *metrics.Metrics
}

func newLimiter(maxConns, maxStreams int, m *metrics.Metrics) *limiter {
	return &limiter{
		maxConns:   maxConns,
		maxStreams: maxStreams,
		conns:      make(map[string]int),
		streams:    make(map[string]int),
		metrics:    m,
	}
}

func (l *limiter) admitConn(ip string) bool {
	return l.take(l.conns, ip, l.maxConns, rejectConnCap)
}

func (l *limiter) releaseConn(ip string) {
	l.give(l.conns, ip, l.maxConns)
}

func (l *limiter) admitStream(peer string) bool {
	return l.take(l.streams, peer, l.maxStreams, rejectStreamCap)
}

func (l *limiter) releaseStream(peer string) {
	l.give(l.streams, peer, l.maxStreams)
}

func (l *limiter) reject(reason string) {
	l.metrics.IncRejected(reason)
}

func (l *limiter) streamsOf(peer string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams[peer]
}

// take is a no-op when max is not positive.
func (l *limiter) take(counts map[string]int, key string, max int, reason string) bool {
	if max <= 0 {
		return true
	}
	l.mu.Lock()
	full := counts[key] >= max
	if !full {
		counts[key]++
	}
	l.mu.Unlock()
	if full {
		l.reject(reason)
	}
	return !full
}

func (l *limiter) give(counts map[string]int, key string, max int) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[key] <= 1 {
		delete(counts, key)
		return
	}
	counts[key]--
}
