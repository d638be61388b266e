package trust

import (
	"sort"

	"signalmesh/internal/bloom"
)

// Snapshot is the persisted form of a Store.
type Snapshot struct {
	Scores    []Score           `json:"scores"`
	Blacklist map[string]string `json:"blacklist"`
	Filter    []byte            `json:"filter,omitempty"`
}

func (s *Store) Snapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Scores:    make([]Score, 0, len(s.scores)),
		Blacklist: make(map[string]string, len(s.blacklist)),
	}
	for _, r := range s.scores {
		snap.Scores = append(snap.Scores, copyScore(r))
	}
	for p, reason := range s.blacklist {
		snap.Blacklist[p] = reason
	}
	f, err := s.filter.MarshalBinary()
	if err != nil {
		return Snapshot{}, err
	}
	snap.Filter = f
	return snap, nil
}

// Restore replaces the store contents with a snapshot. Observation
// membership is re-derived from the restored scores. OnBlacklist fires for
// every peer that was not blacklisted before the restore.
func (s *Store) Restore(snap Snapshot) error {
	var filter *bloom.Filter
	if len(snap.Filter) > 0 {
		f, err := bloom.Decode(snap.Filter)
		if err != nil {
			return err
		}
		filter = f
	}
	now := s.opts.Clock.Now()
	s.mu.Lock()
	prev := s.blacklist
	s.scores = make(map[string]*Score, len(snap.Scores))
	s.observation.Clear()
	s.blacklist = make(map[string]string, len(snap.Blacklist))
	for p, reason := range snap.Blacklist {
		s.blacklist[p] = reason
	}
	if filter != nil && filter.M() == s.filter.M() && filter.K() == s.filter.K() {
		s.filter = filter
	}
	for _, sc := range snap.Scores {
		if sc.PeerID == "" {
			continue
		}
		r := copyScore(&sc)
		r.Score = clampScore(r.Score)
		r.lastDecay = now
		s.scores[r.PeerID] = &r
		if _, bl := s.blacklist[r.PeerID]; bl {
			continue
		}
		s.deriveLocked(r.PeerID, r.Score, "restore")
	}
	type added struct {
		peer, reason string
		score        float64
	}
	var fresh []added
	for p, reason := range s.blacklist {
		s.filter.AddString(p)
		if _, was := prev[p]; was {
			continue
		}
		score := s.opts.InitialScore
		if r, ok := s.scores[p]; ok {
			score = r.Score
		}
		fresh = append(fresh, added{p, reason, score})
	}
	s.mu.Unlock()
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].peer < fresh[j].peer })
	for _, a := range fresh {
		s.notifyBlacklisted(a.peer, a.reason, a.score)
	}
	return nil
}
