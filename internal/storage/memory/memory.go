package memory

import (
	"context"
	"sync"

	"github.com/S1riyS/jffs2-server/internal/storage"
)

type entry struct {
	raw      []byte
	obsolete bool
}

// Store keeps the node log in process memory. Contents are lost on exit,
// which makes it the backend of choice for tests.
type Store struct {
	mu      sync.RWMutex
	entries []entry // entries[i] holds Ref i+1
}

var _ storage.NodeStore = (*Store)(nil)

func New() *Store {
	return &Store{}
}

func (s *Store) Append(_ context.Context, raw []byte) (storage.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(raw))
	copy(buf, raw)
	s.entries = append(s.entries, entry{raw: buf})

	return storage.Ref(len(s.entries)), nil
}

func (s *Store) Get(_ context.Context, ref storage.Ref) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.lookup(ref)
	if !ok {
		return nil, storage.ErrNodeNotFound
	}
	return e.raw, nil
}

func (s *Store) MarkObsolete(_ context.Context, ref storage.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(ref)
	if !ok {
		return storage.ErrNodeNotFound
	}
	e.obsolete = true
	return nil
}

func (s *Store) Scan(ctx context.Context, fn func(ref storage.Ref, raw []byte) error) error {
	s.mu.RLock()
	snapshot := make([]entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	for i, e := range snapshot {
		if e.obsolete {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(storage.Ref(i+1), e.raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Live reports how many nodes are not obsolete.
func (s *Store) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if !e.obsolete {
			n++
		}
	}
	return n
}

// LOCKS_REQUIRED(s.mu)
func (s *Store) lookup(ref storage.Ref) (*entry, bool) {
	if ref < 1 || int(ref) > len(s.entries) {
		return nil, false
	}
	return &s.entries[ref-1], true
}
