package cmds

import (
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/go-go-golems/chathistory/pkg/models"
	"github.com/go-go-golems/chathistory/pkg/window"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ModelSettings struct {
	Provider   string `mapstructure:"model-provider"`
	Model      string `mapstructure:"model"`
	Window     string `mapstructure:"window"`
	WindowSize int    `mapstructure:"window-size"`

	OpenAI models.OpenAISettings `mapstructure:"openai"`
}

// addModelFlags registers the flags shared by chat and agent.
func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("model-provider", "echo", "Model provider (echo, openai, ollama)")
	cmd.Flags().String("model", "", "Model name")
	cmd.Flags().String("window", "full", "History window sent to the model (full, last-n, tokens)")
	cmd.Flags().Int("window-size", 20, "Messages for last-n, token budget for tokens")
	cmd.Flags().String("openai-api-key", "", "OpenAI API key")
	cmd.Flags().String("openai-base-url", "", "OpenAI compatible base URL")
}

func LoadModelSettings(cmd *cobra.Command) (*ModelSettings, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	s := &ModelSettings{}
	if err := viper.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode model settings")
	}
	// flat flags take precedence over the nested config section
	if key := viper.GetString("openai-api-key"); key != "" {
		s.OpenAI.APIKey = key
	}
	if url := viper.GetString("openai-base-url"); url != "" {
		s.OpenAI.BaseURL = url
	}
	if s.Model != "" {
		s.OpenAI.Model = s.Model
	}
	return s, nil
}

func NewInvoker(s *ModelSettings, opts ...models.OpenAIOption) (history.ModelInvoker, error) {
	switch s.Provider {
	case "", "echo":
		return models.EchoInvoker{}, nil
	case "openai":
		return models.NewOpenAIInvoker(s.OpenAI, opts...)
	case "ollama":
		return models.NewOllamaInvoker(s.Model)
	default:
		return nil, errors.Errorf("unknown model provider %q", s.Provider)
	}
}

func NewWindow(s *ModelSettings) (window.Strategy, error) {
	switch s.Window {
	case "", "full":
		return window.Full, nil
	case "last-n":
		return window.LastN{N: s.WindowSize}, nil
	case "tokens":
		counter, err := window.NewTiktokenCounter(s.Model, "")
		if err != nil {
			// unknown model names fall back to cl100k
			counter, err = window.NewTiktokenCounter("", "")
			if err != nil {
				return nil, err
			}
		}
		return window.TokenBudget{Budget: s.WindowSize, Counter: counter}, nil
	default:
		return nil, errors.Errorf("unknown window %q", s.Window)
	}
}
