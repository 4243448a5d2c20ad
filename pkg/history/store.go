package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/oklog/ulid/v2"
)

// ThreadKey identifies a conversation thread. Keys are opaque to the store.
type ThreadKey string

// NewThreadKey returns a fresh key that sorts by creation time.
func NewThreadKey() ThreadKey {
	return ThreadKey(strings.ToLower(ulid.Make().String()))
}

func (k ThreadKey) String() string {
	return string(k)
}

func (k ThreadKey) IsZero() bool {
	return strings.TrimSpace(string(k)) == ""
}

func (k ThreadKey) Validate() error {
	if k.IsZero() {
		return &ValidationError{Field: "threadKey", Reason: "must not be empty"}
	}
	return nil
}

// ThreadInfo summarizes a stored thread.
type ThreadInfo struct {
	Key          ThreadKey `json:"key" yaml:"key"`
	MessageCount int       `json:"messageCount" yaml:"messageCount"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Reader provides read access to thread histories.
type Reader interface {
	// GetHistory returns the full ordered history of a thread. An unknown
	// thread yields an empty conversation and no error.
	GetHistory(ctx context.Context, key ThreadKey) (conversation.Conversation, error)
	// ListThreads returns all non-empty threads ordered by key.
	ListThreads(ctx context.Context) ([]ThreadInfo, error)
}

// Writer provides append-only mutation of thread histories.
type Writer interface {
	// Append adds msgs to the end of the thread, creating it if needed, and
	// returns the updated history. The batch is stored entirely or not at all.
	Append(ctx context.Context, key ThreadKey, msgs ...*conversation.Message) (conversation.Conversation, error)
	// Clear drops a thread. Clearing an unknown thread is a no-op.
	Clear(ctx context.Context, key ThreadKey) error
	Close() error
}

// Store is the thread-scoped conversation history abstraction.
type Store interface {
	Reader
	Writer
}

type StoreOption func(*storeOptions)

type storeOptions struct {
	maxMessages int
	now         func() time.Time
}

func newStoreOptions(opts ...StoreOption) storeOptions {
	ret := storeOptions{now: time.Now}
	for _, o := range opts {
		o(&ret)
	}
	return ret
}

// WithMaxMessages caps the number of messages a single thread may hold.
// Zero or negative means unbounded.
func WithMaxMessages(n int) StoreOption {
	return func(o *storeOptions) {
		o.maxMessages = n
	}
}

// WithClock overrides the time source used for thread timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func validateBatch(msgs []*conversation.Message) error {
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return &ValidationError{Field: fmt.Sprintf("messages[%d]", i), Reason: err.Error()}
		}
	}
	return nil
}

// copyBatch deep copies a validated batch and normalizes its metadata so
// every backend hands back the values a JSON round trip would produce.
func copyBatch(msgs []*conversation.Message) (conversation.Conversation, error) {
	batch := conversation.Conversation(msgs).Clone()
	for i, m := range batch {
		md, err := conversation.NormalizeMetadata(m.Metadata)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("messages[%d].metadata", i), Reason: err.Error()}
		}
		m.Metadata = md
	}
	return batch, nil
}

func checkCapacity(key ThreadKey, limit, current, requested int) error {
	if limit > 0 && current+requested > limit {
		return &CapacityExceededError{
			ThreadKey: key,
			Limit:     limit,
			Current:   current,
			Requested: requested,
		}
	}
	return nil
}
