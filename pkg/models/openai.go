package models

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

type OpenAISettings struct {
	APIKey      string  `yaml:"api-key" mapstructure:"api-key"`
	BaseURL     string  `yaml:"base-url" mapstructure:"base-url"`
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float32 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max-tokens" mapstructure:"max-tokens"`
}

type OpenAIInvoker struct {
	client   *go_openai.Client
	settings OpenAISettings
	tools    []ToolSpec
}

type OpenAIOption func(*OpenAIInvoker)

func WithTools(tools ...ToolSpec) OpenAIOption {
	return func(o *OpenAIInvoker) {
		o.tools = append(o.tools, tools...)
	}
}

func NewOpenAIInvoker(settings OpenAISettings, opts ...OpenAIOption) (*OpenAIInvoker, error) {
	if settings.Model == "" {
		settings.Model = go_openai.GPT3Dot5Turbo
	}
	if settings.APIKey == "" && settings.BaseURL == "" {
		return nil, errors.New("openai: no api key configured")
	}

	config := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		config.BaseURL = settings.BaseURL
	}

	ret := &OpenAIInvoker{
		client:   go_openai.NewClientWithConfig(config),
		settings: settings,
	}
	for _, o := range opts {
		o(ret)
	}
	return ret, nil
}

func (o *OpenAIInvoker) Invoke(ctx context.Context, history conversation.Conversation) (*conversation.Message, error) {
	req := go_openai.ChatCompletionRequest{
		Model:       o.settings.Model,
		Messages:    messagesToOpenAI(history),
		Temperature: o.settings.Temperature,
		MaxTokens:   o.settings.MaxTokens,
	}
	for _, t := range o.tools {
		req.Tools = append(req.Tools, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: go_openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	log.Debug().
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Int("tools", len(req.Tools)).
		Msg("openai chat completion")

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &InvocationError{Kind: ErrModelError, Provider: "openai", Err: errors.New("no choices in response")}
	}

	choice := resp.Choices[0]
	metadata := map[string]interface{}{
		"model":             resp.Model,
		"finish_reason":     string(choice.FinishReason),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	}

	if len(choice.Message.ToolCalls) > 0 {
		calls := make([]conversation.ToolCall, 0, len(choice.Message.ToolCalls))
		for _, tc := range choice.Message.ToolCalls {
			calls = append(calls, conversation.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		return conversation.NewToolCallMessage(choice.Message.Content, calls, conversation.WithMetadata(metadata)), nil
	}
	return conversation.NewAIMessage(choice.Message.Content, conversation.WithMetadata(metadata)), nil
}

func messagesToOpenAI(history conversation.Conversation) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(history))
	for _, msg := range history {
		switch c := msg.Content.(type) {
		case *conversation.ChatMessageContent:
			ret = append(ret, go_openai.ChatCompletionMessage{
				Role:    openAIRole(c.Role),
				Content: c.Text,
			})
		case *conversation.ToolCallContent:
			m := go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleAssistant,
				Content: c.Text,
			}
			for _, call := range c.Calls {
				args := string(call.Arguments)
				if args == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, go_openai.ToolCall{
					ID:   call.ID,
					Type: go_openai.ToolTypeFunction,
					Function: go_openai.FunctionCall{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
			ret = append(ret, m)
		case *conversation.ToolResultContent:
			ret = append(ret, go_openai.ChatCompletionMessage{
				Role:       go_openai.ChatMessageRoleTool,
				Content:    c.Result,
				ToolCallID: c.ToolCallID,
			})
		}
	}
	return ret
}

func openAIRole(role conversation.Role) string {
	switch role {
	case conversation.RoleHuman:
		return go_openai.ChatMessageRoleUser
	case conversation.RoleAssistant:
		return go_openai.ChatMessageRoleAssistant
	case conversation.RoleSystem:
		return go_openai.ChatMessageRoleSystem
	case conversation.RoleTool:
		return go_openai.ChatMessageRoleTool
	default:
		return strings.ToLower(string(role))
	}
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		return &InvocationError{Kind: classifyStatus(apiErr.HTTPStatusCode), Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) {
		return &InvocationError{Kind: classifyStatus(reqErr.HTTPStatusCode), Provider: "openai", StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &InvocationError{Kind: ErrModelUnavailable, Provider: "openai", Err: err}
}
