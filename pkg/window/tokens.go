package window

import (
	"unicode/utf8"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// messageOverhead approximates the per-message framing tokens chat models add.
const messageOverhead = 4

type Counter interface {
	Count(msg *conversation.Message) int
}

// HeuristicCounter assumes roughly four characters per token.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(msg *conversation.Message) int {
	n := utf8.RuneCountInString(messageText(msg))
	return (n+3)/4 + messageOverhead
}

type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter returns a counter for model, or for the named encoding
// when model is empty.
func NewTiktokenCounter(model, encoding string) (*TiktokenCounter, error) {
	var (
		codec tokenizer.Codec
		err   error
	)
	if model != "" {
		codec, err = tokenizer.ForModel(tokenizer.Model(model))
	} else {
		if encoding == "" {
			encoding = string(tokenizer.Cl100kBase)
		}
		codec, err = tokenizer.Get(tokenizer.Encoding(encoding))
	}
	if err != nil {
		return nil, errors.Wrap(err, "error creating tokenizer")
	}
	return &TiktokenCounter{codec: codec}, nil
}

func (c *TiktokenCounter) Count(msg *conversation.Message) int {
	ids, _, err := c.codec.Encode(messageText(msg))
	if err != nil {
		return HeuristicCounter{}.Count(msg)
	}
	return len(ids) + messageOverhead
}

func messageText(msg *conversation.Message) string {
	text := msg.Text()
	for _, call := range msg.ToolCalls() {
		text += call.Name + string(call.Arguments)
	}
	return text
}

// TokenBudget keeps the newest messages that fit into Budget tokens. Leading
// system messages are always kept and count against the budget. The newest
// message is kept even if it alone exceeds the budget.
type TokenBudget struct {
	Budget  int
	Counter Counter
}

func (w TokenBudget) Apply(history conversation.Conversation) conversation.Conversation {
	if w.Budget <= 0 || len(history) == 0 {
		return history
	}
	counter := w.Counter
	if counter == nil {
		counter = HeuristicCounter{}
	}

	system, rest := splitSystemPrefix(history)
	used := 0
	for _, m := range system {
		used += counter.Count(m)
	}

	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := counter.Count(rest[i])
		if used+cost > w.Budget && start < len(rest) {
			break
		}
		used += cost
		start = i
	}
	if start == 0 {
		return history
	}
	return join(system, pairSafe(rest, start))
}
