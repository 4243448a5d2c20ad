package events

import (
	"context"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/history"
)

// NotifyingStore publishes a ThreadEvent after every successful write to the
// wrapped store. Publishing failures are logged and never fail the write.
type NotifyingStore struct {
	history.Store
	publishers *PublisherManager
	now        func() time.Time
}

var _ history.Store = (*NotifyingStore)(nil)

func NewNotifyingStore(store history.Store, publishers *PublisherManager) *NotifyingStore {
	return &NotifyingStore{
		Store:      store,
		publishers: publishers,
		now:        time.Now,
	}
}

func (s *NotifyingStore) Append(ctx context.Context, key history.ThreadKey, msgs ...*conversation.Message) (conversation.Conversation, error) {
	h, err := s.Store.Append(ctx, key, msgs...)
	if err != nil || len(msgs) == 0 {
		return h, err
	}
	s.publishers.PublishBlind(&ThreadEvent{
		Type:       EventTypeThreadAppended,
		ThreadKey:  key.String(),
		Messages:   msgs,
		HistoryLen: len(h),
		Time:       s.now(),
	})
	return h, nil
}

func (s *NotifyingStore) Clear(ctx context.Context, key history.ThreadKey) error {
	if err := s.Store.Clear(ctx, key); err != nil {
		return err
	}
	s.publishers.PublishBlind(&ThreadEvent{
		Type:      EventTypeThreadCleared,
		ThreadKey: key.String(),
		Time:      s.now(),
	})
	return nil
}
