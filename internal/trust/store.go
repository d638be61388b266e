package trust

import (
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"signalmesh/internal/bloom"
	"signalmesh/internal/clock"
	"signalmesh/internal/debuglog"
	"signalmesh/internal/proto"
)

const (
	MinScore = 0.0
	MaxScore = 100.0

	DefaultInitialScore         = 50.0
	DefaultObservationThreshold = 30.0
	DefaultBlacklistThreshold   = 20.0
	DefaultHistorySize          = 32
	DefaultFilterCapacity       = 10000
	DefaultFilterFPRate         = 0.01
	DefaultDecayInterval        = time.Hour
	DefaultInactiveAfter        = 7 * 24 * time.Hour
)

type Options struct {
	InitialScore         float64
	ObservationThreshold float64
	BlacklistThreshold   float64
	HistorySize          int
	FilterCapacity       uint
	FilterFPRate         float64
	DecayInterval        time.Duration
	InactiveAfter        time.Duration
	Clock                clock.Clock
	// OnBlacklist runs outside the store lock whenever a peer is newly
	// blacklisted.
	OnBlacklist func(peer, reason string)
}

// Event is one entry in a peer's bounded score history.
type Event struct {
	At     time.Time `json:"at"`
	Delta  float64   `json:"delta"`
	Reason string    `json:"reason"`
}

// Score is the persisted record for one peer.
type Score struct {
	PeerID      string    `json:"peer_id"`
	Score       float64   `json:"score"`
	UpdateCount int       `json:"update_count"`
	History     []Event   `json:"history,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
	lastDecay   time.Time
}

// Store tracks peer reputation. Observation and blacklist membership are
// derived from score transitions; blacklisting only reverses through
// RemoveFromBlacklist.
type Store struct {
	opts Options

	mu          sync.RWMutex
	scores      map[string]*Score
	observation mapset.Set[string]
	blacklist   map[string]string
	filter      *bloom.Filter
}

func New(opts Options) *Store {
	if opts.InitialScore <= 0 {
		opts.InitialScore = DefaultInitialScore
	}
	if opts.ObservationThreshold <= 0 {
		opts.ObservationThreshold = DefaultObservationThreshold
	}
	if opts.BlacklistThreshold <= 0 {
		opts.BlacklistThreshold = DefaultBlacklistThreshold
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.FilterCapacity == 0 {
		opts.FilterCapacity = DefaultFilterCapacity
	}
	if opts.FilterFPRate <= 0 {
		opts.FilterFPRate = DefaultFilterFPRate
	}
	if opts.DecayInterval <= 0 {
		opts.DecayInterval = DefaultDecayInterval
	}
	if opts.InactiveAfter <= 0 {
		opts.InactiveAfter = DefaultInactiveAfter
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Store{
		opts:        opts,
		scores:      make(map[string]*Score),
		observation: mapset.NewThreadUnsafeSet[string](),
		blacklist:   make(map[string]string),
		filter:      bloom.New(opts.FilterCapacity, opts.FilterFPRate),
	}
}

func (s *Store) recordLocked(peer string, now time.Time) *Score {
	r, ok := s.scores[peer]
	if !ok {
		r = &Score{PeerID: peer, Score: s.opts.InitialScore, LastUpdated: now, lastDecay: now}
		s.scores[peer] = r
	}
	return r
}

// applyLocked adjusts a score and re-derives set membership. It returns the
// blacklist reason when the peer was newly blacklisted.
func (s *Store) applyLocked(peer string, delta float64, reason string, now time.Time) (float64, string) {
	r := s.recordLocked(peer, now)
	r.Score = clampScore(r.Score + delta)
	r.UpdateCount++
	r.LastUpdated = now
	r.lastDecay = now
	r.History = append(r.History, Event{At: now, Delta: delta, Reason: reason})
	if over := len(r.History) - s.opts.HistorySize; over > 0 {
		r.History = append(r.History[:0:0], r.History[over:]...)
	}
	return r.Score, s.deriveLocked(peer, r.Score, reason)
}

func (s *Store) deriveLocked(peer string, score float64, reason string) string {
	switch {
	case score < s.opts.BlacklistThreshold:
		s.observation.Remove(peer)
		if _, ok := s.blacklist[peer]; ok {
			return ""
		}
		s.blacklist[peer] = reason
		s.filter.AddString(peer)
		return reason
	case score < s.opts.ObservationThreshold:
		s.observation.Add(peer)
	default:
		s.observation.Remove(peer)
	}
	return ""
}

func (s *Store) mutate(peer string, delta float64, reason string) float64 {
	if peer == "" {
		return 0
	}
	now := s.opts.Clock.Now()
	s.mu.Lock()
	score, newly := s.applyLocked(peer, delta, reason, now)
	s.mu.Unlock()
	if newly != "" {
		s.notifyBlacklisted(peer, newly, score)
	}
	return score
}

func (s *Store) notifyBlacklisted(peer, reason string, score float64) {
	debuglog.Named("trust").Sugar().Warnw("peer blacklisted", "peer", peer, "reason", reason, "score", score)
	if s.opts.OnBlacklist != nil {
		s.opts.OnBlacklist(peer, reason)
	}
}

// RecordSuccess rewards a well-behaved message. Emergency and system traffic
// earns more.
func (s *Store) RecordSuccess(peer string, kind proto.Kind) float64 {
	delta := 1.0
	if kind.Emergency() || kind == proto.KindSystem {
		delta = 2
	}
	return s.mutate(peer, delta, "success:"+kind.String())
}

func (s *Store) RecordViolation(peer string, v Violation) float64 {
	return s.mutate(peer, -v.Penalty(), v.String())
}

// RecordExcessiveBroadcast penalises a peer that sent count messages within
// window, scaled to messages per minute.
func (s *Store) RecordExcessiveBroadcast(peer string, count int, window time.Duration) float64 {
	if window <= 0 {
		window = time.Minute
	}
	perMinute := float64(count) * float64(time.Minute) / float64(window)
	penalty := broadcastPenalty(perMinute)
	if penalty == 0 {
		return s.Score(peer)
	}
	return s.mutate(peer, -penalty, fmt.Sprintf("excessive_broadcast:%.0f/min", perMinute))
}

// AddToBlacklist blacklists a peer regardless of its score.
func (s *Store) AddToBlacklist(peer, reason string) {
	if peer == "" {
		return
	}
	if reason == "" {
		reason = "manual"
	}
	now := s.opts.Clock.Now()
	s.mu.Lock()
	r := s.recordLocked(peer, now)
	_, already := s.blacklist[peer]
	if !already {
		s.blacklist[peer] = reason
		s.filter.AddString(peer)
		s.observation.Remove(peer)
	}
	score := r.Score
	s.mu.Unlock()
	if !already {
		s.notifyBlacklisted(peer, reason, score)
	}
}

// RemoveFromBlacklist lifts a blacklist entry. Filter bits cannot be cleared,
// so the authoritative score map takes precedence for known peers.
func (s *Store) RemoveFromBlacklist(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blacklist[peer]; !ok {
		return false
	}
	delete(s.blacklist, peer)
	s.recordLocked(peer, s.opts.Clock.Now())
	return true
}

// IsBlacklisted consults the score map for known peers and falls back to the
// gossiped filter for peers never seen locally.
func (s *Store) IsBlacklisted(peer string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blacklist[peer]; ok {
		return true
	}
	if _, known := s.scores[peer]; known {
		return false
	}
	return s.filter.TestString(peer)
}

// Score returns the current score, or the initial score for unknown peers.
func (s *Store) Score(peer string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.scores[peer]; ok {
		return r.Score
	}
	return s.opts.InitialScore
}

func (s *Store) Record(peer string) (Score, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.scores[peer]
	if !ok {
		return Score{}, false
	}
	return copyScore(r), true
}

func (s *Store) Observed(peer string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observation.Contains(peer)
}

func (s *Store) Blacklist() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blacklist))
	for p := range s.blacklist {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Store) ObservationList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.observation.ToSlice()
	sort.Strings(out)
	return out
}

func (s *Store) ExportFilter() ([]byte, error) {
	return s.filter.MarshalBinary()
}

// MergeFilter unions a remote filter into the local one. Scores are not
// touched.
func (s *Store) MergeFilter(data []byte) error {
	remote, err := bloom.Decode(data)
	if err != nil {
		return err
	}
	return s.filter.Merge(remote)
}

// Decay drifts idle scores one point toward the initial score per elapsed
// decay interval. Blacklisted peers are left alone.
func (s *Store) Decay(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for peer, r := range s.scores {
		if _, bl := s.blacklist[peer]; bl {
			continue
		}
		steps := int(now.Sub(r.lastDecay) / s.opts.DecayInterval)
		if steps <= 0 || r.Score == s.opts.InitialScore {
			continue
		}
		r.lastDecay = r.lastDecay.Add(time.Duration(steps) * s.opts.DecayInterval)
		diff := s.opts.InitialScore - r.Score
		step := float64(steps)
		if diff < 0 {
			step = -step
		}
		if abs(step) > abs(diff) {
			step = diff
		}
		r.Score = clampScore(r.Score + step)
		if r.Score >= s.opts.BlacklistThreshold {
			s.deriveLocked(peer, r.Score, "decay")
		}
		changed++
	}
	return changed
}

// Prune forgets peers idle longer than the inactivity window. Blacklisted
// peers are kept.
func (s *Store) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for peer, r := range s.scores {
		if _, bl := s.blacklist[peer]; bl {
			continue
		}
		if now.Sub(r.LastUpdated) > s.opts.InactiveAfter {
			delete(s.scores, peer)
			s.observation.Remove(peer)
			removed++
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scores)
}

func clampScore(v float64) float64 {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func copyScore(r *Score) Score {
	out := *r
	out.History = append([]Event(nil), r.History...)
	return out
}
