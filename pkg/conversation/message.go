package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
)

type ContentType string

const (
	ContentTypeChatMessage ContentType = "chat-message"
	ContentTypeToolCall    ContentType = "tool-call"
	ContentTypeToolResult  ContentType = "tool-result"
)

type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleHuman, RoleAssistant, RoleTool, RoleSystem:
		return true
	default:
		return false
	}
}

// MessageContent is the tagged payload of a message. The concrete type decides
// the role for tool calls and tool results.
type MessageContent interface {
	ContentType() ContentType
	GetRole() Role
	String() string
	View() string
}

type ChatMessageContent struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

func (c *ChatMessageContent) ContentType() ContentType {
	return ContentTypeChatMessage
}

func (c *ChatMessageContent) GetRole() Role {
	return c.Role
}

func (c *ChatMessageContent) String() string {
	return c.Text
}

func (c *ChatMessageContent) View() string {
	return fmt.Sprintf("[%s]: %s", c.Role, strings.TrimRight(c.Text, "\n"))
}

var _ MessageContent = (*ChatMessageContent)(nil)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallContent is an assistant turn that asks for one or more tools to be run.
// Text carries whatever prose the model emitted alongside the calls.
type ToolCallContent struct {
	Text  string     `json:"text"`
	Calls []ToolCall `json:"calls"`
}

func (t *ToolCallContent) ContentType() ContentType {
	return ContentTypeToolCall
}

func (t *ToolCallContent) GetRole() Role {
	return RoleAssistant
}

func (t *ToolCallContent) String() string {
	return t.Text
}

func (t *ToolCallContent) View() string {
	names := make([]string, 0, len(t.Calls))
	for _, c := range t.Calls {
		names = append(names, fmt.Sprintf("%s(%s)", c.Name, string(c.Arguments)))
	}
	if t.Text == "" {
		return fmt.Sprintf("[%s]: calls %s", RoleAssistant, strings.Join(names, ", "))
	}
	return fmt.Sprintf("[%s]: %s (calls %s)", RoleAssistant, strings.TrimRight(t.Text, "\n"), strings.Join(names, ", "))
}

var _ MessageContent = (*ToolCallContent)(nil)

type ToolResultContent struct {
	ToolCallID string `json:"toolCallID"`
	Name       string `json:"name"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError"`
}

func (t *ToolResultContent) ContentType() ContentType {
	return ContentTypeToolResult
}

func (t *ToolResultContent) GetRole() Role {
	return RoleTool
}

func (t *ToolResultContent) String() string {
	return t.Result
}

func (t *ToolResultContent) View() string {
	if t.IsError {
		return fmt.Sprintf("[%s]: %s error: %s", RoleTool, t.Name, t.Result)
	}
	return fmt.Sprintf("[%s]: %s -> %s", RoleTool, t.Name, t.Result)
}

var _ MessageContent = (*ToolResultContent)(nil)

// Message is a single entry of a thread history. Messages are treated as
// immutable once handed to a store; stores keep and return their own copies.
type Message struct {
	ID       uuid.UUID              `json:"id"`
	Time     time.Time              `json:"time"`
	Content  MessageContent         `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(message *Message) {
		message.Metadata = metadata
	}
}

func WithTime(time time.Time) MessageOption {
	return func(message *Message) {
		message.Time = time
	}
}

func WithID(id uuid.UUID) MessageOption {
	return func(message *Message) {
		message.ID = id
	}
}

func NewMessage(content MessageContent, options ...MessageOption) *Message {
	ret := &Message{
		Content: content,
		ID:      uuid.New(),
		Time:    time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func NewChatMessage(role Role, text string, options ...MessageOption) *Message {
	return NewMessage(&ChatMessageContent{
		Role: role,
		Text: text,
	}, options...)
}

func NewHumanMessage(text string, options ...MessageOption) *Message {
	return NewChatMessage(RoleHuman, text, options...)
}

func NewAIMessage(text string, options ...MessageOption) *Message {
	return NewChatMessage(RoleAssistant, text, options...)
}

func NewSystemMessage(text string, options ...MessageOption) *Message {
	return NewChatMessage(RoleSystem, text, options...)
}

func NewToolCallMessage(text string, calls []ToolCall, options ...MessageOption) *Message {
	return NewMessage(&ToolCallContent{
		Text:  text,
		Calls: calls,
	}, options...)
}

func NewToolResultMessage(toolCallID, name, result string, isError bool, options ...MessageOption) *Message {
	return NewMessage(&ToolResultContent{
		ToolCallID: toolCallID,
		Name:       name,
		Result:     result,
		IsError:    isError,
	}, options...)
}

func (m *Message) Role() Role {
	if m == nil || m.Content == nil {
		return ""
	}
	return m.Content.GetRole()
}

func (m *Message) Text() string {
	if m == nil || m.Content == nil {
		return ""
	}
	return m.Content.String()
}

// ToolCalls returns the calls of a tool-call message, nil for every other kind.
func (m *Message) ToolCalls() []ToolCall {
	if m == nil {
		return nil
	}
	if c, ok := m.Content.(*ToolCallContent); ok {
		return c.Calls
	}
	return nil
}

// Validate checks that a message can be stored.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}
	if m.Content == nil {
		return fmt.Errorf("message %s has no content", m.ID)
	}
	if !m.Content.GetRole().IsValid() {
		return fmt.Errorf("message %s has invalid role %q", m.ID, m.Content.GetRole())
	}
	return nil
}

// Clone returns a deep copy, including metadata and tool call arguments.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	ret := &Message{
		ID:   m.ID,
		Time: m.Time,
	}
	switch c := m.Content.(type) {
	case *ChatMessageContent:
		cc := *c
		ret.Content = &cc
	case *ToolCallContent:
		calls := make([]ToolCall, len(c.Calls))
		for i, call := range c.Calls {
			calls[i] = ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: append(json.RawMessage(nil), call.Arguments...),
			}
		}
		ret.Content = &ToolCallContent{Text: c.Text, Calls: calls}
	case *ToolResultContent:
		cc := *c
		ret.Content = &cc
	case nil:
	default:
		ret.Content = clone.Clone(c).(MessageContent)
	}
	if len(m.Metadata) > 0 {
		ret.Metadata = clone.Clone(m.Metadata).(map[string]interface{})
	}
	return ret
}

type Conversation []*Message

func (messages Conversation) Clone() Conversation {
	if messages == nil {
		return Conversation{}
	}
	ret := make(Conversation, len(messages))
	for i, m := range messages {
		ret[i] = m.Clone()
	}
	return ret
}

// Last returns the most recent message or nil.
func (messages Conversation) Last() *Message {
	if len(messages) == 0 {
		return nil
	}
	return messages[len(messages)-1]
}

// LastOfRole returns the most recent message with the given role or nil.
func (messages Conversation) LastOfRole(role Role) *Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role() == role {
			return messages[i]
		}
	}
	return nil
}

// GetSinglePrompt concatenates all the messages together with a role prefix.
// A single chat message is returned as is.
func (messages Conversation) GetSinglePrompt() string {
	if len(messages) == 0 {
		return ""
	}

	if len(messages) == 1 && messages[0].Content.ContentType() == ContentTypeChatMessage {
		return messages[0].Text()
	}

	prompt := ""
	for _, message := range messages {
		prompt += message.Content.View() + "\n"
	}

	return prompt
}
