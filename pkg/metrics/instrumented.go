package metrics

import (
	"context"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/go-go-golems/chathistory/pkg/models"
	"github.com/pkg/errors"
)

// InstrumentedStore records counters and latency for every call to the
// wrapped store.
type InstrumentedStore struct {
	store history.Store
	c     *Collectors
}

var _ history.Store = (*InstrumentedStore)(nil)

func NewInstrumentedStore(store history.Store, c *Collectors) *InstrumentedStore {
	return &InstrumentedStore{store: store, c: c}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.c.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	s.c.StoreOperations.WithLabelValues(op, storeResult(err)).Inc()
}

func storeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, history.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, history.ErrValidation):
		return "invalid"
	case errors.Is(err, history.ErrStoreClosed):
		return "closed"
	case errors.Is(err, history.ErrConcurrentWrite):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (s *InstrumentedStore) GetHistory(ctx context.Context, key history.ThreadKey) (conversation.Conversation, error) {
	start := time.Now()
	h, err := s.store.GetHistory(ctx, key)
	s.observe("get_history", start, err)
	return h, err
}

func (s *InstrumentedStore) ListThreads(ctx context.Context) ([]history.ThreadInfo, error) {
	start := time.Now()
	threads, err := s.store.ListThreads(ctx)
	s.observe("list_threads", start, err)
	return threads, err
}

func (s *InstrumentedStore) Append(ctx context.Context, key history.ThreadKey, msgs ...*conversation.Message) (conversation.Conversation, error) {
	start := time.Now()
	h, err := s.store.Append(ctx, key, msgs...)
	s.observe("append", start, err)
	switch {
	case err == nil:
		s.c.MessagesAppended.Add(float64(len(msgs)))
	case errors.Is(err, history.ErrCapacityExceeded):
		s.c.CapacityRejections.Inc()
	}
	return h, err
}

func (s *InstrumentedStore) Clear(ctx context.Context, key history.ThreadKey) error {
	start := time.Now()
	err := s.store.Clear(ctx, key)
	s.observe("clear", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

// InstrumentedInvoker counts model invocations by error kind. Errors are
// returned untouched.
type InstrumentedInvoker struct {
	invoker history.ModelInvoker
	c       *Collectors
}

var _ history.ModelInvoker = (*InstrumentedInvoker)(nil)

func NewInstrumentedInvoker(invoker history.ModelInvoker, c *Collectors) *InstrumentedInvoker {
	return &InstrumentedInvoker{invoker: invoker, c: c}
}

func (i *InstrumentedInvoker) Invoke(ctx context.Context, h conversation.Conversation) (*conversation.Message, error) {
	start := time.Now()
	reply, err := i.invoker.Invoke(ctx, h)
	i.c.ModelLatency.Observe(time.Since(start).Seconds())
	i.c.ModelInvocations.WithLabelValues(invocationResult(err)).Inc()
	return reply, err
}

func invocationResult(err error) string {
	if err == nil {
		return "ok"
	}
	return models.KindLabel(err)
}
