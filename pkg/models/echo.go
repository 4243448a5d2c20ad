package models

import (
	"context"

	"github.com/go-go-golems/chathistory/pkg/conversation"
)

// EchoInvoker answers with the text of the most recent human message. It is
// meant for offline use of the CLI and for tests.
type EchoInvoker struct {
	Prefix string
}

func (e EchoInvoker) Invoke(ctx context.Context, history conversation.Conversation) (*conversation.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	last := history.LastOfRole(conversation.RoleHuman)
	text := ""
	if last != nil {
		text = last.Text()
	}
	return conversation.NewAIMessage(e.Prefix+text, conversation.WithMetadata(map[string]interface{}{
		"model":       "echo",
		"history_len": len(history),
	})), nil
}
