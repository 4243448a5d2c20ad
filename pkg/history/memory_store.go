package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/rs/zerolog/log"
)

type thread struct {
	mu        sync.Mutex
	key       ThreadKey
	messages  conversation.Conversation
	createdAt time.Time
	updatedAt time.Time
	// deleted is set by Clear. Appenders holding a stale pointer retry on a
	// fresh entry.
	deleted bool
}

// persistFunc runs under the thread lock before a batch is committed to
// memory. offset is the index the first message of batch will occupy.
type persistFunc func(ctx context.Context, key ThreadKey, offset int, batch conversation.Conversation, at time.Time) error

type clearFunc func(ctx context.Context, key ThreadKey) error

// InMemoryStore is a thread-safe Store. The thread map lock is only held for
// lookup and creation; each thread serializes its own operations.
type InMemoryStore struct {
	mu      sync.RWMutex
	threads map[ThreadKey]*thread
	closed  bool

	opts storeOptions
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore(opts ...StoreOption) *InMemoryStore {
	return &InMemoryStore{
		threads: map[ThreadKey]*thread{},
		opts:    newStoreOptions(opts...),
	}
}

func (s *InMemoryStore) GetHistory(ctx context.Context, key ThreadKey) (conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	t, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return conversation.Conversation{}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deleted {
		return conversation.Conversation{}, nil
	}
	return t.messages.Clone(), nil
}

func (s *InMemoryStore) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	threads := make([]*thread, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, t)
	}
	s.mu.RUnlock()

	ret := make([]ThreadInfo, 0, len(threads))
	for _, t := range threads {
		t.mu.Lock()
		if !t.deleted && len(t.messages) > 0 {
			ret = append(ret, ThreadInfo{
				Key:          t.key,
				MessageCount: len(t.messages),
				CreatedAt:    t.createdAt,
				UpdatedAt:    t.updatedAt,
			})
		}
		t.mu.Unlock()
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Key < ret[j].Key })
	return ret, nil
}

func (s *InMemoryStore) Append(ctx context.Context, key ThreadKey, msgs ...*conversation.Message) (conversation.Conversation, error) {
	return s.appendWith(ctx, key, msgs, nil)
}

func (s *InMemoryStore) appendWith(
	ctx context.Context,
	key ThreadKey,
	msgs []*conversation.Message,
	persist persistFunc,
) (conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := validateBatch(msgs); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return s.GetHistory(ctx, key)
	}
	batch, err := copyBatch(msgs)
	if err != nil {
		return nil, err
	}

	for {
		t, err := s.lookupOrCreate(key)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		if t.deleted {
			t.mu.Unlock()
			continue
		}
		if err := checkCapacity(key, s.opts.maxMessages, len(t.messages), len(batch)); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		now := s.opts.now()
		if persist != nil {
			if err := persist(ctx, key, len(t.messages), batch, now); err != nil {
				t.mu.Unlock()
				return nil, err
			}
		}
		t.messages = append(t.messages, batch...)
		if t.createdAt.IsZero() {
			t.createdAt = now
		}
		t.updatedAt = now
		snapshot := t.messages.Clone()
		t.mu.Unlock()

		log.Trace().
			Str("thread", string(key)).
			Int("count", len(batch)).
			Int("history_len", len(snapshot)).
			Msg("appended messages")
		return snapshot, nil
	}
}

func (s *InMemoryStore) Clear(ctx context.Context, key ThreadKey) error {
	return s.clearWith(ctx, key, nil)
}

func (s *InMemoryStore) clearWith(ctx context.Context, key ThreadKey, onClear clearFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	t, err := s.lookup(key)
	if err != nil || t == nil {
		return err
	}

	// lock order is thread then map; no code path holds the map lock while
	// waiting on a thread.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deleted {
		return nil
	}
	if onClear != nil {
		if err := onClear(ctx, key); err != nil {
			return err
		}
	}
	t.deleted = true
	t.messages = nil

	s.mu.Lock()
	if s.threads[key] == t {
		delete(s.threads, key)
	}
	s.mu.Unlock()

	log.Trace().Str("thread", string(key)).Msg("cleared thread")
	return nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) lookup(key ThreadKey) (*thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.threads[key], nil
}

func (s *InMemoryStore) lookupOrCreate(key ThreadKey) (*thread, error) {
	t, err := s.lookup(key)
	if err != nil || t != nil {
		return t, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if t, ok := s.threads[key]; ok {
		return t, nil
	}
	t = &thread{key: key}
	s.threads[key] = t
	return t, nil
}

// seed installs a thread loaded from a backing store. Only used while a
// persistent store is being opened.
func (s *InMemoryStore) seed(key ThreadKey, msgs conversation.Conversation, createdAt, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[key] = &thread{
		key:       key,
		messages:  msgs,
		createdAt: createdAt,
		updatedAt: updatedAt,
	}
}
