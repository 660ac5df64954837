package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/S1riyS/jffs2-server/internal/storage"
)

// Key layout:
//
//	n:<ref uint64 BE>  node image of a live node
//	seq:ref            badger sequence handing out refs
//
// Big-endian refs keep the prefix scan in log order. Obsoleting a node
// deletes its key, so badger's own value-log GC reclaims the space.
var (
	nodePrefix = []byte("n:")
	seqKey     = []byte("seq:ref")
)

const seqBandwidth = 128

type Store struct {
	db  *badgerdb.DB
	seq *badgerdb.Sequence
}

var _ storage.NodeStore = (*Store)(nil)

// Open opens (or creates) the store in dir. An empty dir keeps everything
// in memory.
func Open(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}

	seq, err := db.GetSequence(seqKey, seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badger ref sequence: %w", err)
	}

	return &Store{db: db, seq: seq}, nil
}

func nodeKey(ref storage.Ref) []byte {
	key := make([]byte, len(nodePrefix)+8)
	copy(key, nodePrefix)
	binary.BigEndian.PutUint64(key[len(nodePrefix):], uint64(ref))
	return key
}

func (s *Store) Append(_ context.Context, raw []byte) (storage.Ref, error) {
	next, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("badger next ref: %w", err)
	}
	// Sequences start at zero, refs at one.
	ref := storage.Ref(next + 1)

	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(nodeKey(ref), raw)
	})
	if err != nil {
		return 0, fmt.Errorf("badger append: %w", err)
	}

	return ref, nil
}

func (s *Store) Get(_ context.Context, ref storage.Ref) ([]byte, error) {
	var raw []byte

	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(nodeKey(ref))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, storage.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}

	return raw, nil
}

func (s *Store) MarkObsolete(_ context.Context, ref storage.Ref) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(nodeKey(ref)); err != nil {
			return err
		}
		return txn.Delete(nodeKey(ref))
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return storage.ErrNodeNotFound
	}
	if err != nil {
		return fmt.Errorf("badger mark obsolete: %w", err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, fn func(ref storage.Ref, raw []byte) error) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(nodePrefix); it.ValidForPrefix(nodePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			key := item.Key()
			ref := storage.Ref(binary.BigEndian.Uint64(key[len(nodePrefix):]))

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("badger scan: %w", err)
			}
			if err := fn(ref, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("badger release sequence: %w", err)
	}
	return s.db.Close()
}
