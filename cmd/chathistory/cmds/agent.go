package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/chathistory/pkg/agent"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/go-go-golems/chathistory/pkg/metrics"
	"github.com/go-go-golems/chathistory/pkg/models"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type threadLengthArgs struct {
	Thread string `json:"thread" jsonschema:"required,description=thread key"`
}

// builtinTools returns the tools offered by the agent command. They only
// read the clock and the store.
func builtinTools(store history.Reader) (*agent.InMemoryToolRegistry, error) {
	reg := agent.NewInMemoryToolRegistry()

	err := reg.RegisterTool("current_time", agent.ToolDefinition{
		Description: "Returns the current time in RFC 3339 format",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Function: func(ctx context.Context, args json.RawMessage) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	})
	if err != nil {
		return nil, err
	}

	params, err := agent.ParametersFromStruct(&threadLengthArgs{})
	if err != nil {
		return nil, err
	}
	err = reg.RegisterTool("thread_length", agent.ToolDefinition{
		Description: "Returns how many messages a conversation thread holds",
		Parameters:  params,
		Function: func(ctx context.Context, args json.RawMessage) (string, error) {
			in := threadLengthArgs{}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", errors.Wrap(err, "invalid arguments")
			}
			h, err := store.GetHistory(ctx, history.ThreadKey(in.Thread))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d", len(h)), nil
		},
	})
	if err != nil {
		return nil, err
	}

	err = reg.RegisterTool("list_threads", agent.ToolDefinition{
		Description: "Lists the keys of all stored conversation threads",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Function: func(ctx context.Context, args json.RawMessage) (string, error) {
			threads, err := store.ListThreads(ctx)
			if err != nil {
				return "", err
			}
			keys := make([]string, 0, len(threads))
			for _, t := range threads {
				keys = append(keys, t.Key.String())
			}
			return strings.Join(keys, "\n"), nil
		},
	})
	if err != nil {
		return nil, err
	}

	return reg, nil
}

func NewAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with a tool-calling model, storing tool calls and results in the thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := LoadModelSettings(cmd)
			if err != nil {
				return err
			}
			win, err := NewWindow(ms)
			if err != nil {
				return err
			}
			maxIter, _ := cmd.Flags().GetInt("max-iterations")
			maxParallel, _ := cmd.Flags().GetInt("max-parallel-tools")

			s, err := newSession(cmd)
			if err != nil {
				return err
			}

			tools, err := builtinTools(s.store)
			if err != nil {
				s.abort()
				return err
			}
			invoker, err := NewInvoker(ms, models.WithTools(tools.Specs()...))
			if err != nil {
				s.abort()
				return err
			}

			a := agent.New(
				s.store,
				metrics.NewInstrumentedInvoker(invoker, s.collectors),
				tools,
				agent.WithWindow(win),
				agent.WithMaxIterations(maxIter),
				agent.WithMaxParallelTools(maxParallel),
			)
			return s.run(cmd.Context(), cmd, a.Run)
		},
	}
	addSessionFlags(cmd)
	addModelFlags(cmd)
	cmd.Flags().Int("max-iterations", agent.DefaultMaxIterations, "Model calls per user turn")
	cmd.Flags().Int("max-parallel-tools", agent.DefaultMaxParallel, "Tool calls run at once")
	return cmd
}
