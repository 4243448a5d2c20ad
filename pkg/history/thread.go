package history

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Manager is a handle on a single thread of a Store.
type Manager interface {
	Key() ThreadKey
	GetConversation(ctx context.Context) (conversation.Conversation, error)
	AppendMessages(ctx context.Context, msgs ...*conversation.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*conversation.Message, bool, error)
	SaveToFile(ctx context.Context, filename string) error
}

type ThreadManager struct {
	store Store
	key   ThreadKey
}

var _ Manager = (*ThreadManager)(nil)

func NewThreadManager(store Store, key ThreadKey) (*ThreadManager, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return &ThreadManager{store: store, key: key}, nil
}

func (m *ThreadManager) Key() ThreadKey {
	return m.key
}

func (m *ThreadManager) GetConversation(ctx context.Context) (conversation.Conversation, error) {
	return m.store.GetHistory(ctx, m.key)
}

func (m *ThreadManager) AppendMessages(ctx context.Context, msgs ...*conversation.Message) error {
	_, err := m.store.Append(ctx, m.key, msgs...)
	return err
}

func (m *ThreadManager) GetMessage(ctx context.Context, id uuid.UUID) (*conversation.Message, bool, error) {
	h, err := m.store.GetHistory(ctx, m.key)
	if err != nil {
		return nil, false, err
	}
	for _, msg := range h {
		if msg.ID == id {
			return msg, true, nil
		}
	}
	return nil, false, nil
}

// SaveToFile writes the thread as YAML for .yaml/.yml names and as JSON
// otherwise. Parent directories are created.
func (m *ThreadManager) SaveToFile(ctx context.Context, filename string) error {
	h, err := m.store.GetHistory(ctx, m.key)
	if err != nil {
		return err
	}
	doc := &conversation.ThreadDocument{Thread: m.key.String(), Messages: h}

	var b []byte
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		b, err = conversation.MarshalThreadYAML(doc)
	default:
		b, err = conversation.MarshalThreadJSON(doc)
	}
	if err != nil {
		return errors.Wrapf(err, "could not encode thread %s", m.key)
	}

	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(filename, b, 0o644)
}
