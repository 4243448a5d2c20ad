package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// nameRecaller is a stand-in model: it remembers a name introduced earlier in
// the history it is shown.
func nameRecaller(ctx context.Context, h conversation.Conversation) (*conversation.Message, error) {
	last := h.LastOfRole(conversation.RoleHuman)
	if last == nil {
		return conversation.NewAIMessage("Hello!"), nil
	}
	name := ""
	for _, m := range h {
		if m.Role() != conversation.RoleHuman {
			continue
		}
		if i := strings.Index(strings.ToLower(m.Text()), "my name is "); i >= 0 {
			name = strings.TrimSpace(m.Text()[i+len("my name is "):])
		}
	}
	if strings.Contains(strings.ToLower(last.Text()), "what's my name") {
		if name == "" {
			return conversation.NewAIMessage("I don't know your name yet."), nil
		}
		return conversation.NewAIMessage(fmt.Sprintf("Your name is %s.", name)), nil
	}
	if name != "" {
		return conversation.NewAIMessage(fmt.Sprintf("Hello %s!", name)), nil
	}
	return conversation.NewAIMessage("Hello!"), nil
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	ctx := context.Background()
	store := history.NewInMemoryStore()
	defer func() { _ = store.Close() }()

	model := history.ModelInvokerFunc(nameRecaller)
	responder := history.NewResponder(store, model)

	turns := []struct {
		thread history.ThreadKey
		text   string
	}{
		{"1", "hi! I'm bob. my name is bob"},
		{"1", "what's my name?"},
		{"2", "what's my name?"},
	}

	for _, turn := range turns {
		reply, err := responder.Respond(ctx, turn.thread, conversation.NewHumanMessage(turn.text))
		if err != nil {
			log.Fatal().Err(err).Str("thread", turn.thread.String()).Msg("turn failed")
		}
		fmt.Printf("thread %s\n  [human]: %s\n  [assistant]: %s\n", turn.thread, turn.text, reply.Text())
	}

	for _, key := range []history.ThreadKey{"1", "2"} {
		thread, err := history.NewThreadManager(store, key)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid thread")
		}
		h, err := thread.GetConversation(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("could not read history")
		}
		fmt.Printf("\nhistory of thread %s (%d messages)\n", key, len(h))
		for _, m := range h {
			fmt.Printf("  [%s]: %s\n", m.Role(), m.Text())
		}
	}
}
