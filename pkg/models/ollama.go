package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OllamaInvoker talks to a local ollama server. The host is taken from
// OLLAMA_HOST. Tool calls are flattened to text since the chat API used here
// has no tool support.
type OllamaInvoker struct {
	client *api.Client
	model  string
}

func NewOllamaInvoker(model string) (*OllamaInvoker, error) {
	if model == "" {
		return nil, errors.New("ollama: no model configured")
	}
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "ollama: could not create client")
	}
	return &OllamaInvoker{client: client, model: model}, nil
}

func (o *OllamaInvoker) Invoke(ctx context.Context, history conversation.Conversation) (*conversation.Message, error) {
	stream := true
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messagesToOllama(history),
		Stream:   &stream,
	}

	var sb strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Done {
			return nil
		}
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		log.Debug().Err(err).Str("model", o.model).Msg("ollama chat failed")
		return nil, &InvocationError{Kind: ErrModelUnavailable, Provider: "ollama", Err: err}
	}

	return conversation.NewAIMessage(sb.String(), conversation.WithMetadata(map[string]interface{}{
		"model": o.model,
	})), nil
}

func messagesToOllama(history conversation.Conversation) []api.Message {
	ret := make([]api.Message, 0, len(history))
	for _, msg := range history {
		switch c := msg.Content.(type) {
		case *conversation.ChatMessageContent:
			role := string(c.Role)
			if c.Role == conversation.RoleHuman {
				role = "user"
			}
			ret = append(ret, api.Message{Role: role, Content: c.Text})
		case *conversation.ToolCallContent:
			ret = append(ret, api.Message{Role: "assistant", Content: c.View()})
		case *conversation.ToolResultContent:
			ret = append(ret, api.Message{
				Role:    "user",
				Content: fmt.Sprintf("tool %s returned: %s", c.Name, c.Result),
			})
		}
	}
	return ret
}
