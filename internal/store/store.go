package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"signalmesh/internal/trust"
)

const (
	trustPrefix  = "trust/"
	keyBlacklist = "blacklist"
	keyFilter    = "filter"
	keyTopology  = "topology"
	keyNodeID    = "node_id"
)

// Store persists node state in a leveldb directory. Trust records live
// under trust/<peer> as JSON.
type Store struct {
	db   *leveldb.DB
	path string
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, nil)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string { return s.path }

func (s *Store) getJSON(key string, v any) (bool, error) {
	raw, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveTrust replaces every persisted trust record with snap.
func (s *Store) SaveTrust(snap trust.Snapshot) error {
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(trustPrefix)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	for _, sc := range snap.Scores {
		if sc.PeerID == "" {
			continue
		}
		raw, err := json.Marshal(sc)
		if err != nil {
			return err
		}
		batch.Put([]byte(trustPrefix+sc.PeerID), raw)
	}
	bl, err := json.Marshal(snap.Blacklist)
	if err != nil {
		return err
	}
	batch.Put([]byte(keyBlacklist), bl)
	if len(snap.Filter) > 0 {
		batch.Put([]byte(keyFilter), snap.Filter)
	} else {
		batch.Delete([]byte(keyFilter))
	}
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

// LoadTrust returns the saved snapshot; ok is false when nothing was saved.
func (s *Store) LoadTrust() (snap trust.Snapshot, ok bool, err error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(trustPrefix)), nil)
	for iter.Next() {
		var sc trust.Score
		if err := json.Unmarshal(iter.Value(), &sc); err != nil {
			iter.Release()
			return trust.Snapshot{}, false, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if sc.PeerID == "" {
			sc.PeerID = strings.TrimPrefix(string(iter.Key()), trustPrefix)
		}
		snap.Scores = append(snap.Scores, sc)
		ok = true
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return trust.Snapshot{}, false, err
	}
	found, err := s.getJSON(keyBlacklist, &snap.Blacklist)
	if err != nil {
		return trust.Snapshot{}, false, err
	}
	ok = ok || found
	filter, err := s.db.Get([]byte(keyFilter), nil)
	switch {
	case err == nil:
		snap.Filter = filter
		ok = true
	case !errors.Is(err, leveldb.ErrNotFound):
		return trust.Snapshot{}, false, err
	}
	return snap, ok, nil
}

func (s *Store) SaveTopology(adj map[string][]string) error {
	raw, err := json.Marshal(adj)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(keyTopology), raw, &opt.WriteOptions{Sync: true})
}

func (s *Store) LoadTopology() (map[string][]string, bool, error) {
	var adj map[string][]string
	ok, err := s.getJSON(keyTopology, &adj)
	return adj, ok, err
}

// NodeID returns the persisted node id, storing fresh() on first use.
func (s *Store) NodeID(fresh func() string) (string, error) {
	raw, err := s.db.Get([]byte(keyNodeID), nil)
	if err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return "", err
	}
	id := fresh()
	if id == "" {
		return "", errors.New("empty node id")
	}
	if err := s.db.Put([]byte(keyNodeID), []byte(id), &opt.WriteOptions{Sync: true}); err != nil {
		return "", err
	}
	return id, nil
}
