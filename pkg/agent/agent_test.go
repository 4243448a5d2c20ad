package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel returns its replies in order and repeats the last one.
type scriptedModel struct {
	mu      sync.Mutex
	replies []func() *conversation.Message
	calls   int
	seen    []conversation.Conversation
}

func (m *scriptedModel) Invoke(_ context.Context, h conversation.Conversation) (*conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, h)
	i := m.calls
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	m.calls++
	return m.replies[i](), nil
}

func toolCall(id, name, args string) conversation.ToolCall {
	return conversation.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func newCalculatorRegistry(t *testing.T) *InMemoryToolRegistry {
	reg := NewInMemoryToolRegistry()
	require.NoError(t, reg.RegisterTool("add", ToolDefinition{
		Description: "add two integers",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "integer"},
				"b": map[string]interface{}{"type": "integer"},
			},
		},
		Function: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct{ A, B int }
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return fmt.Sprintf("%d", in.A+in.B), nil
		},
	}))
	require.NoError(t, reg.RegisterTool("fail", ToolDefinition{
		Function: func(context.Context, json.RawMessage) (string, error) {
			return "", fmt.Errorf("tool exploded")
		},
	}))
	return reg
}

func TestAgentRunsToolsAndAppendsInOrder(t *testing.T) {
	ctx := context.Background()
	store := history.NewInMemoryStore()
	model := &scriptedModel{replies: []func() *conversation.Message{
		func() *conversation.Message {
			return conversation.NewToolCallMessage("", []conversation.ToolCall{
				toolCall("c1", "add", `{"a":1,"b":2}`),
				toolCall("c2", "missing", `{}`),
				toolCall("c3", "fail", `{}`),
				toolCall("c4", "add", `{"a":10,"b":20}`),
			})
		},
		func() *conversation.Message { return conversation.NewAIMessage("1+2=3 and 10+20=30") },
	}}
	a := New(store, model, newCalculatorRegistry(t), WithMaxParallelTools(2))

	reply, err := a.Run(ctx, "t1", conversation.NewHumanMessage("add things"))
	require.NoError(t, err)
	assert.Equal(t, "1+2=3 and 10+20=30", reply.Text())

	h, err := store.GetHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, h, 7)
	assert.Equal(t, conversation.RoleHuman, h[0].Role())
	assert.Len(t, h[1].ToolCalls(), 4)

	results := h[2:6]
	wantIDs := []string{"c1", "c2", "c3", "c4"}
	for i, m := range results {
		c, ok := m.Content.(*conversation.ToolResultContent)
		require.True(t, ok)
		assert.Equal(t, wantIDs[i], c.ToolCallID)
	}
	assert.Equal(t, "3", results[0].Text())
	assert.True(t, results[1].Content.(*conversation.ToolResultContent).IsError)
	assert.Contains(t, results[1].Text(), "tool not found")
	assert.True(t, results[2].Content.(*conversation.ToolResultContent).IsError)
	assert.Equal(t, "tool exploded", results[2].Text())
	assert.Equal(t, "30", results[3].Text())
	assert.Equal(t, conversation.RoleAssistant, h[6].Role())

	// second model call saw the tool results
	require.Len(t, model.seen, 2)
	assert.Len(t, model.seen[1], 6)
}

func TestAgentMaxIterations(t *testing.T) {
	store := history.NewInMemoryStore()
	model := &scriptedModel{replies: []func() *conversation.Message{
		func() *conversation.Message {
			return conversation.NewToolCallMessage("", []conversation.ToolCall{toolCall("c", "add", `{"a":1,"b":1}`)})
		},
	}}
	a := New(store, model, newCalculatorRegistry(t), WithMaxIterations(3))

	_, err := a.Run(context.Background(), "t", conversation.NewHumanMessage("loop forever"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxIterations))
	assert.Equal(t, 3, model.calls)

	h, err := store.GetHistory(context.Background(), "t")
	require.NoError(t, err)
	assert.Len(t, h, 1+3*2)
}

func TestAgentPropagatesModelError(t *testing.T) {
	modelErr := errors.New("model unavailable")
	a := New(history.NewInMemoryStore(),
		history.ModelInvokerFunc(func(context.Context, conversation.Conversation) (*conversation.Message, error) {
			return nil, modelErr
		}),
		NewInMemoryToolRegistry())
	_, err := a.Run(context.Background(), "t", conversation.NewHumanMessage("hi"))
	assert.Same(t, modelErr, err)
}

func TestAgentToolPanicBecomesErrorResult(t *testing.T) {
	reg := NewInMemoryToolRegistry()
	require.NoError(t, reg.RegisterTool("boom", ToolDefinition{
		Function: func(context.Context, json.RawMessage) (string, error) { panic("kaboom") },
	}))
	store := history.NewInMemoryStore()
	model := &scriptedModel{replies: []func() *conversation.Message{
		func() *conversation.Message {
			return conversation.NewToolCallMessage("", []conversation.ToolCall{toolCall("c", "boom", `{}`)})
		},
		func() *conversation.Message { return conversation.NewAIMessage("recovered") },
	}}
	reply, err := New(store, model, reg).Run(context.Background(), "t", conversation.NewHumanMessage("go"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Text())

	h, err := store.GetHistory(context.Background(), "t")
	require.NoError(t, err)
	assert.Contains(t, h[2].Text(), "panicked")
}

func TestAgentCanceledDuringTools(t *testing.T) {
	reg := NewInMemoryToolRegistry()
	require.NoError(t, reg.RegisterTool("slow", ToolDefinition{
		Function: func(ctx context.Context, _ json.RawMessage) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
	}))
	model := &scriptedModel{replies: []func() *conversation.Message{
		func() *conversation.Message {
			return conversation.NewToolCallMessage("", []conversation.ToolCall{toolCall("c", "slow", `{}`)})
		},
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(history.NewInMemoryStore(), model, reg).Run(ctx, "t", conversation.NewHumanMessage("go"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry(t *testing.T) {
	reg := newCalculatorRegistry(t)

	assert.Error(t, reg.RegisterTool("", ToolDefinition{Function: func(context.Context, json.RawMessage) (string, error) { return "", nil }}))
	assert.Error(t, reg.RegisterTool("x", ToolDefinition{Name: "y", Function: func(context.Context, json.RawMessage) (string, error) { return "", nil }}))
	assert.Error(t, reg.RegisterTool("nofunc", ToolDefinition{}))

	tools := reg.ListTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "add", tools[0].Name)
	assert.Equal(t, "fail", tools[1].Name)

	specs := reg.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "add two integers", specs[0].Description)

	out, err := reg.InvokeTool(context.Background(), "add", json.RawMessage(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.Equal(t, "5", out)

	require.NoError(t, reg.UnregisterTool("fail"))
	assert.Error(t, reg.UnregisterTool("fail"))
	_, err = reg.GetTool("fail")
	assert.Error(t, err)
}
