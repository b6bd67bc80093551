// Package checkpoint persists per-source cursors and dedup fingerprint
// windows as file-per-source JSON documents, written atomically via
// write-temp-then-rename.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Entry is one fingerprint in a source's dedup window.
type Entry struct {
	Fingerprint string    `json:"fp"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Checkpoint is the persisted state of one source.
type Checkpoint struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
	Dedup     []Entry   `json:"dedup,omitempty"`
}

const fingerprintCacheSize = 4096

// Store reads and writes checkpoints under a directory. Writes are
// serialized per source id; reads return copies.
type Store struct {
	dir    string
	logger logrus.FieldLogger

	mu      sync.Mutex
	sources map[string]*sourceState
}

type sourceState struct {
	mu  sync.Mutex // serializes writes for this source
	cur *Checkpoint
	fps *lru.Cache[string, time.Time] // fingerprint -> expiry, shadows cur.Dedup
}

// NewStore opens (creating if needed) a checkpoint directory.
func NewStore(dir string, logger logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{dir: dir, logger: logger, sources: make(map[string]*sourceState)}, nil
}

func (s *Store) path(sourceID string) string {
	return filepath.Join(s.dir, sourceID+".json")
}

// state returns the in-memory state for sourceID, loading the file on first
// touch. Stale temp files from interrupted writes are ignored; the last
// renamed document wins.
func (s *Store) state(sourceID string) (*sourceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sources[sourceID]; ok {
		return st, nil
	}

	st := &sourceState{}
	st.fps, _ = lru.New[string, time.Time](fingerprintCacheSize)
	b, err := os.ReadFile(s.path(sourceID))
	switch {
	case err == nil:
		var cp Checkpoint
		if uerr := json.Unmarshal(b, &cp); uerr != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", sourceID, uerr)
		}
		st.cur = &cp
		for _, e := range cp.Dedup {
			st.fps.Add(e.Fingerprint, e.ExpiresAt)
		}
	case os.IsNotExist(err):
		// First contact with this source.
	default:
		return nil, fmt.Errorf("read checkpoint %s: %w", sourceID, err)
	}
	s.sources[sourceID] = st
	return st, nil
}

// Get returns a copy of the source's checkpoint, or nil if none exists.
func (s *Store) Get(sourceID string) (*Checkpoint, error) {
	st, err := s.state(sourceID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cur == nil {
		return nil, nil
	}
	cp := *st.cur
	cp.Dedup = append([]Entry(nil), st.cur.Dedup...)
	return &cp, nil
}

// Put persists cp for sourceID. UpdatedAt is stamped if unset and is never
// allowed to move backwards. Expired dedup entries are dropped on the way
// out. The existing dedup window is preserved unless cp carries its own.
func (s *Store) Put(sourceID string, cp Checkpoint) error {
	st, err := s.state(sourceID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	if st.cur != nil {
		if cp.UpdatedAt.Before(st.cur.UpdatedAt) {
			cp.UpdatedAt = st.cur.UpdatedAt
		}
		if cp.Dedup == nil {
			cp.Dedup = st.cur.Dedup
		}
	}
	cp.Dedup = pruneExpired(cp.Dedup, now)

	if err := s.writeLocked(sourceID, &cp); err != nil {
		return err
	}
	st.cur = &cp
	return nil
}

// writeLocked renders cp to a temp file and renames it into place. Caller
// holds the source's write lock.
func (s *Store) writeLocked(sourceID string, cp *Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", sourceID, err)
	}
	tmp, err := os.CreateTemp(s.dir, sourceID+".*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint temp file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint %s: %w", sourceID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync checkpoint %s: %w", sourceID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint %s: %w", sourceID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(sourceID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename checkpoint %s: %w", sourceID, err)
	}
	return nil
}

// ObserveFingerprint records fp in the source's dedup window for ttl and
// persists the updated window.
func (s *Store) ObserveFingerprint(sourceID, fp string, ttl time.Duration) error {
	st, err := s.state(sourceID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()
	expires := now.Add(ttl)
	st.fps.Add(fp, expires)

	cp := Checkpoint{}
	if st.cur != nil {
		cp = *st.cur
	}
	cp.Dedup = pruneExpired(cp.Dedup, now)
	replaced := false
	for i := range cp.Dedup {
		if cp.Dedup[i].Fingerprint == fp {
			cp.Dedup[i].ExpiresAt = expires
			replaced = true
			break
		}
	}
	if !replaced {
		cp.Dedup = append(cp.Dedup, Entry{Fingerprint: fp, ExpiresAt: expires})
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}

	if err := s.writeLocked(sourceID, &cp); err != nil {
		return err
	}
	st.cur = &cp
	return nil
}

// Seen reports whether fp is in the source's live dedup window. The LRU
// shadow answers most lookups; on a miss the persisted window is consulted,
// since the shadow is bounded and may have evicted a still-live entry.
func (s *Store) Seen(sourceID, fp string) (bool, error) {
	st, err := s.state(sourceID)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if expires, ok := st.fps.Get(fp); ok {
		return now.Before(expires), nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cur == nil {
		return false, nil
	}
	for _, e := range st.cur.Dedup {
		if e.Fingerprint == fp {
			if now.Before(e.ExpiresAt) {
				st.fps.Add(fp, e.ExpiresAt)
				return true, nil
			}
			return false, nil
		}
	}
	return false, nil
}

// Sweep drops expired dedup entries for every loaded source and persists
// sources whose windows shrank.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		st, err := s.state(id)
		if err != nil {
			continue
		}
		st.mu.Lock()
		if st.cur != nil {
			pruned := pruneExpired(st.cur.Dedup, now)
			if len(pruned) != len(st.cur.Dedup) {
				cp := *st.cur
				cp.Dedup = pruned
				if err := s.writeLocked(id, &cp); err != nil {
					s.logger.WithError(err).WithField("source", id).Warn("checkpoint sweep write failed")
				} else {
					st.cur = &cp
				}
			}
		}
		st.mu.Unlock()
	}
}

func pruneExpired(entries []Entry, now time.Time) []Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// CleanTempFiles removes leftovers from writes interrupted before rename.
func (s *Store) CleanTempFiles() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".tmp") {
			_ = os.Remove(filepath.Join(s.dir, ent.Name()))
		}
	}
}
