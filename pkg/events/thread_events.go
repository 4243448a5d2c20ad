package events

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/pkg/errors"
)

// DefaultTopic is where NotifyingStore publishes unless configured otherwise.
const DefaultTopic = "chathistory.threads"

type EventType string

const (
	EventTypeThreadAppended EventType = "thread.appended"
	EventTypeThreadCleared  EventType = "thread.cleared"
)

// ThreadEvent describes a successful write to a thread. For appends,
// Messages holds the appended batch and HistoryLen the resulting length.
type ThreadEvent struct {
	Type       EventType                 `json:"type"`
	ThreadKey  string                    `json:"threadKey"`
	Messages   conversation.Conversation `json:"messages,omitempty"`
	HistoryLen int                       `json:"historyLen"`
	Time       time.Time                 `json:"time"`
}

func DecodeEvent(payload []byte) (*ThreadEvent, error) {
	e := &ThreadEvent{}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, errors.Wrap(err, "could not decode thread event")
	}
	switch e.Type {
	case EventTypeThreadAppended, EventTypeThreadCleared:
		return e, nil
	default:
		return nil, errors.Errorf("unknown thread event type %q", e.Type)
	}
}
