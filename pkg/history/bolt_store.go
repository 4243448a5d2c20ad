package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

var (
	boltThreadsBucket = []byte("threads")
	boltMetaBucket    = []byte("thread_meta")
)

type boltThreadMeta struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BoltStore keeps thread histories in a single BoltDB file. Each thread is a
// nested bucket keyed by big-endian sequence numbers, so cursor order is
// append order.
type BoltStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	store  *InMemoryStore
	closed bool
}

var _ Store = (*BoltStore)(nil)

func NewBoltStore(path string, opts ...StoreOption) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt history store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "bolt history store: open %s", path)
	}
	s := &BoltStore{
		db:    db,
		store: NewInMemoryStore(opts...),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) GetHistory(ctx context.Context, key ThreadKey) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.store.GetHistory(ctx, key)
}

func (s *BoltStore) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.store.ListThreads(ctx)
}

func (s *BoltStore) Append(ctx context.Context, key ThreadKey, msgs ...*conversation.Message) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.store.appendWith(ctx, key, msgs, s.putLocked)
}

func (s *BoltStore) Clear(ctx context.Context, key ThreadKey) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.store.clearWith(ctx, key, s.deleteLocked)
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.store.Close()
	return s.db.Close()
}

func boltSeqKey(seq int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func (s *BoltStore) putLocked(_ context.Context, key ThreadKey, offset int, batch conversation.Conversation, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		threads, err := tx.CreateBucketIfNotExists(boltThreadsBucket)
		if err != nil {
			return err
		}
		metas, err := tx.CreateBucketIfNotExists(boltMetaBucket)
		if err != nil {
			return err
		}
		b, err := threads.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		for i, msg := range batch {
			payload, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := b.Put(boltSeqKey(offset+i), payload); err != nil {
				return err
			}
		}

		meta := boltThreadMeta{CreatedAt: at, UpdatedAt: at}
		if raw := metas.Get([]byte(key)); raw != nil && offset > 0 {
			var prev boltThreadMeta
			if err := json.Unmarshal(raw, &prev); err == nil {
				meta.CreatedAt = prev.CreatedAt
			}
		}
		raw, err := json.Marshal(&meta)
		if err != nil {
			return err
		}
		return metas.Put([]byte(key), raw)
	})
}

func (s *BoltStore) deleteLocked(_ context.Context, key ThreadKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if threads := tx.Bucket(boltThreadsBucket); threads != nil && threads.Bucket([]byte(key)) != nil {
			if err := threads.DeleteBucket([]byte(key)); err != nil {
				return err
			}
		}
		if metas := tx.Bucket(boltMetaBucket); metas != nil {
			return metas.Delete([]byte(key))
		}
		return nil
	})
}

func (s *BoltStore) load() error {
	return s.db.View(func(tx *bolt.Tx) error {
		threads := tx.Bucket(boltThreadsBucket)
		if threads == nil {
			return nil
		}
		metas := tx.Bucket(boltMetaBucket)
		return threads.ForEachBucket(func(name []byte) error {
			key := ThreadKey(name)
			msgs := conversation.Conversation{}
			err := threads.Bucket(name).ForEach(func(_, v []byte) error {
				msg := &conversation.Message{}
				if err := json.Unmarshal(v, msg); err != nil {
					return errors.Wrapf(err, "bolt history store: decode thread %q", key)
				}
				msgs = append(msgs, msg)
				return nil
			})
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				return nil
			}
			var meta boltThreadMeta
			if metas != nil {
				if raw := metas.Get(name); raw != nil {
					if err := json.Unmarshal(raw, &meta); err != nil {
						log.Warn().Err(err).Str("thread", key.String()).Msg("bolt history store: ignoring corrupt thread metadata")
					}
				}
			}
			s.store.seed(key, msgs, meta.CreatedAt, meta.UpdatedAt)
			return nil
		})
	})
}
