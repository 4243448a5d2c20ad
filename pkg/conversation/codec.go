package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// messageRecord is the flat wire form shared by the JSON and YAML codecs.
// contentType selects which of the optional fields are meaningful.
type messageRecord struct {
	ID          string                 `json:"id" yaml:"id"`
	Time        time.Time              `json:"time" yaml:"time"`
	ContentType ContentType            `json:"contentType" yaml:"contentType"`
	Role        Role                   `json:"role" yaml:"role"`
	Text        string                 `json:"text,omitempty" yaml:"text,omitempty"`
	ToolCalls   []toolCallRecord       `json:"toolCalls,omitempty" yaml:"toolCalls,omitempty"`
	ToolCallID  string                 `json:"toolCallID,omitempty" yaml:"toolCallID,omitempty"`
	ToolName    string                 `json:"toolName,omitempty" yaml:"toolName,omitempty"`
	IsError     bool                   `json:"isError,omitempty" yaml:"isError,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type toolCallRecord struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Arguments string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

func (m *Message) toRecord() (*messageRecord, error) {
	if m.Content == nil {
		return nil, errors.Errorf("message %s has no content", m.ID)
	}
	r := &messageRecord{
		ID:          m.ID.String(),
		Time:        m.Time,
		ContentType: m.Content.ContentType(),
		Role:        m.Content.GetRole(),
		Metadata:    m.Metadata,
	}
	switch c := m.Content.(type) {
	case *ChatMessageContent:
		r.Text = c.Text
	case *ToolCallContent:
		r.Text = c.Text
		for _, call := range c.Calls {
			r.ToolCalls = append(r.ToolCalls, toolCallRecord{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: string(call.Arguments),
			})
		}
	case *ToolResultContent:
		r.Text = c.Result
		r.ToolCallID = c.ToolCallID
		r.ToolName = c.Name
		r.IsError = c.IsError
	default:
		return nil, errors.Errorf("unsupported content type %q", m.Content.ContentType())
	}
	return r, nil
}

func (r *messageRecord) toMessage() (*Message, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid message id %q", r.ID)
	}
	ret := &Message{
		ID:       id,
		Time:     r.Time,
		Metadata: r.Metadata,
	}
	switch r.ContentType {
	case ContentTypeChatMessage:
		if !r.Role.IsValid() {
			return nil, errors.Errorf("message %s: invalid role %q", r.ID, r.Role)
		}
		ret.Content = &ChatMessageContent{Role: r.Role, Text: r.Text}
	case ContentTypeToolCall:
		calls := make([]ToolCall, 0, len(r.ToolCalls))
		for _, c := range r.ToolCalls {
			var args json.RawMessage
			if c.Arguments != "" {
				args = json.RawMessage(c.Arguments)
			}
			calls = append(calls, ToolCall{ID: c.ID, Name: c.Name, Arguments: args})
		}
		ret.Content = &ToolCallContent{Text: r.Text, Calls: calls}
	case ContentTypeToolResult:
		ret.Content = &ToolResultContent{
			ToolCallID: r.ToolCallID,
			Name:       r.ToolName,
			Result:     r.Text,
			IsError:    r.IsError,
		}
	default:
		return nil, errors.Errorf("message %s: unknown content type %q", r.ID, r.ContentType)
	}
	return ret, nil
}

// NormalizeMetadata returns metadata in the shape the JSON codec decodes it
// to: numbers become float64, structs and slices become maps and []interface{}.
func NormalizeMetadata(md map[string]interface{}) (map[string]interface{}, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, errors.Wrap(err, "metadata is not JSON encodable")
	}
	ret := map[string]interface{}{}
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (m *Message) MarshalJSON() ([]byte, error) {
	r, err := m.toRecord()
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var r messageRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	msg, err := r.toMessage()
	if err != nil {
		return err
	}
	*m = *msg
	return nil
}

func (m *Message) MarshalYAML() (interface{}, error) {
	return m.toRecord()
}

func (m *Message) UnmarshalYAML(value *yaml.Node) error {
	var r messageRecord
	if err := value.Decode(&r); err != nil {
		return err
	}
	msg, err := r.toMessage()
	if err != nil {
		return err
	}
	*m = *msg
	return nil
}

// ThreadDocument is the export format of a whole thread.
type ThreadDocument struct {
	Thread   string       `json:"thread" yaml:"thread"`
	Messages Conversation `json:"messages" yaml:"messages"`
}

func MarshalThreadYAML(doc *ThreadDocument) ([]byte, error) {
	return yaml.Marshal(doc)
}

func UnmarshalThreadYAML(data []byte) (*ThreadDocument, error) {
	doc := &ThreadDocument{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrap(err, "could not decode thread yaml")
	}
	return doc, nil
}

func MarshalThreadJSON(doc *ThreadDocument) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func UnmarshalThreadJSON(data []byte) (*ThreadDocument, error) {
	doc := &ThreadDocument{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrap(err, "could not decode thread json")
	}
	return doc, nil
}
