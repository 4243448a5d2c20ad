package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoles(t *testing.T) {
	assert.Equal(t, RoleHuman, NewHumanMessage("hi").Role())
	assert.Equal(t, RoleAssistant, NewAIMessage("hello").Role())
	assert.Equal(t, RoleSystem, NewSystemMessage("be nice").Role())
	assert.Equal(t, RoleAssistant, NewToolCallMessage("", []ToolCall{{ID: "c1", Name: "add"}}).Role())
	assert.Equal(t, RoleTool, NewToolResultMessage("c1", "add", "3", false).Role())
}

func TestMessageValidate(t *testing.T) {
	var nilMsg *Message
	require.Error(t, nilMsg.Validate())
	require.Error(t, (&Message{}).Validate())
	require.Error(t, NewChatMessage(Role("robot"), "beep").Validate())
	require.NoError(t, NewHumanMessage("hi").Validate())
}

func TestMessageCloneIsDeep(t *testing.T) {
	orig := NewToolCallMessage("calling", []ToolCall{
		{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":"bob"}`)},
	}, WithMetadata(map[string]interface{}{
		"usage": map[string]interface{}{"prompt": 3},
	}))

	c := orig.Clone()
	require.Equal(t, orig.ID, c.ID)

	c.ToolCalls()[0].Arguments[2] = 'X'
	c.Metadata["usage"].(map[string]interface{})["prompt"] = 99
	c.Content.(*ToolCallContent).Text = "changed"

	assert.Equal(t, `{"q":"bob"}`, string(orig.ToolCalls()[0].Arguments))
	assert.Equal(t, 3, orig.Metadata["usage"].(map[string]interface{})["prompt"])
	assert.Equal(t, "calling", orig.Text())
}

func TestMessageJSONRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := Conversation{
		NewSystemMessage("you are terse", WithTime(ts)),
		NewHumanMessage("my name is bob", WithTime(ts)),
		NewToolCallMessage("", []ToolCall{{ID: "c1", Name: "lookup", Arguments: json.RawMessage(`{"name":"bob"}`)}}, WithTime(ts)),
		NewToolResultMessage("c1", "lookup", "not found", true, WithTime(ts)),
		NewAIMessage("Hello Bob!", WithTime(ts), WithMetadata(map[string]interface{}{"model": "echo"})),
	}

	b, err := json.Marshal(conv)
	require.NoError(t, err)

	var decoded Conversation
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Len(t, decoded, len(conv))

	for i := range conv {
		assert.Equal(t, conv[i].ID, decoded[i].ID)
		assert.Equal(t, conv[i].Role(), decoded[i].Role())
		assert.Equal(t, conv[i].Text(), decoded[i].Text())
		assert.True(t, conv[i].Time.Equal(decoded[i].Time))
	}
	assert.Equal(t, "echo", decoded[4].Metadata["model"])
	result := decoded[3].Content.(*ToolResultContent)
	assert.Equal(t, "c1", result.ToolCallID)
	assert.True(t, result.IsError)
	assert.JSONEq(t, `{"name":"bob"}`, string(decoded[2].ToolCalls()[0].Arguments))
}

func TestMessageUnknownContentType(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"6f1c1b7e-8a2d-4c55-9d7e-0a4b8e7f9a10","contentType":"image","role":"human"}`), &m)
	require.Error(t, err)
}

func TestThreadDocumentYAML(t *testing.T) {
	doc := &ThreadDocument{
		Thread: "t1",
		Messages: Conversation{
			NewHumanMessage("my name is bob"),
			NewAIMessage("Hello Bob!"),
		},
	}
	b, err := MarshalThreadYAML(doc)
	require.NoError(t, err)
	assert.Contains(t, string(b), "contentType: chat-message")

	decoded, err := UnmarshalThreadYAML(b)
	require.NoError(t, err)
	assert.Equal(t, "t1", decoded.Thread)
	require.Len(t, decoded.Messages, 2)
	assert.Equal(t, RoleHuman, decoded.Messages[0].Role())
	assert.Equal(t, "Hello Bob!", decoded.Messages[1].Text())
	assert.Equal(t, doc.Messages[1].ID, decoded.Messages[1].ID)
}

func TestGetSinglePrompt(t *testing.T) {
	assert.Equal(t, "", Conversation{}.GetSinglePrompt())
	assert.Equal(t, "hi", Conversation{NewHumanMessage("hi")}.GetSinglePrompt())
	assert.Equal(t,
		"[human]: my name is bob\n[assistant]: Hello Bob!\n",
		Conversation{NewHumanMessage("my name is bob"), NewAIMessage("Hello Bob!")}.GetSinglePrompt())
}

func TestLastOfRole(t *testing.T) {
	conv := Conversation{NewHumanMessage("a"), NewAIMessage("b"), NewHumanMessage("c")}
	assert.Equal(t, "c", conv.LastOfRole(RoleHuman).Text())
	assert.Equal(t, "b", conv.LastOfRole(RoleAssistant).Text())
	assert.Nil(t, conv.LastOfRole(RoleTool))
	assert.Equal(t, "c", conv.Last().Text())
	assert.Nil(t, Conversation{}.Last())
}

func TestNormalizeMetadata(t *testing.T) {
	md, err := NormalizeMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, md)

	md, err = NormalizeMetadata(map[string]interface{}{
		"total_tokens": 10,
		"usage":        map[string]int{"prompt": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"total_tokens": float64(10),
		"usage":        map[string]interface{}{"prompt": float64(3)},
	}, md)

	b, err := json.Marshal(NewAIMessage("hi", WithMetadata(md)))
	require.NoError(t, err)
	var decoded Message
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, md, decoded.Metadata)

	_, err = NormalizeMetadata(map[string]interface{}{"f": func() {}})
	require.Error(t, err)
}
