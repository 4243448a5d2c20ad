// Package window selects the part of a thread history that is sent to a model.
//
// Windows never modify the stored history. They return a sub-sequence of the
// input that keeps leading system messages and never starts with a tool result
// whose originating tool call was cut off.
package window

import (
	"github.com/go-go-golems/chathistory/pkg/conversation"
)

type Strategy interface {
	Apply(history conversation.Conversation) conversation.Conversation
}

type StrategyFunc func(history conversation.Conversation) conversation.Conversation

func (f StrategyFunc) Apply(history conversation.Conversation) conversation.Conversation {
	return f(history)
}

// Full passes the history through untouched.
var Full Strategy = StrategyFunc(func(history conversation.Conversation) conversation.Conversation {
	return history
})

// LastN keeps the leading system messages plus the last N other messages.
// N <= 0 disables the limit.
type LastN struct {
	N int
}

func (w LastN) Apply(history conversation.Conversation) conversation.Conversation {
	system, rest := splitSystemPrefix(history)
	if w.N <= 0 || len(rest) <= w.N {
		return history
	}
	return join(system, pairSafe(rest, len(rest)-w.N))
}

func splitSystemPrefix(history conversation.Conversation) (conversation.Conversation, conversation.Conversation) {
	i := 0
	for i < len(history) && history[i].Role() == conversation.RoleSystem {
		i++
	}
	return history[:i], history[i:]
}

// pairSafe returns msgs[start:] without leading tool results, whose tool call
// was cut off. If that would leave nothing, the window grows backwards to
// include the tool call instead.
func pairSafe(msgs conversation.Conversation, start int) conversation.Conversation {
	i := start
	for i < len(msgs) && msgs[i].Role() == conversation.RoleTool {
		i++
	}
	if i < len(msgs) {
		return msgs[i:]
	}
	for start > 0 && msgs[start].Role() == conversation.RoleTool {
		start--
	}
	return msgs[start:]
}

func join(a, b conversation.Conversation) conversation.Conversation {
	ret := make(conversation.Conversation, 0, len(a)+len(b))
	ret = append(ret, a...)
	return append(ret, b...)
}
