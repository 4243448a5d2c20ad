package cmds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewAppendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append TEXT...",
		Short: "Append a message to a thread",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := threadFlag(cmd)
			if err != nil {
				return err
			}
			roleStr, _ := cmd.Flags().GetString("role")
			role, err := parseRole(roleStr)
			if err != nil {
				return err
			}

			store, err := openStoreStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			msg := conversation.NewChatMessage(role, strings.Join(args, " "))
			h, err := store.Append(cmd.Context(), key, msg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d messages\n", key, len(h))
			return err
		},
	}
	cmd.Flags().String("thread", "", "Thread key")
	cmd.Flags().String("role", "human", "Message role (human, assistant, system)")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

type HistorySettings struct {
	Thread string `glazed.parameter:"thread"`
}

// HistoryCommand emits one row per message of a thread.
type HistoryCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*HistoryCommand)(nil)

func NewHistoryCommand() (*HistoryCommand, error) {
	glazedParameterLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create Glazed parameter layer")
	}

	return &HistoryCommand{
		CommandDescription: cmds.NewCommandDescription(
			"history",
			cmds.WithShort("Print the history of a thread"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"thread",
					parameters.ParameterTypeString,
					parameters.WithHelp("Thread key"),
					parameters.WithRequired(true),
				),
			),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *layers.ParsedLayers, gp middlewares.Processor) error {
	s := &HistorySettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "error initializing settings")
	}
	key := history.ThreadKey(strings.TrimSpace(s.Thread))
	if err := key.Validate(); err != nil {
		return err
	}

	store, err := openStoreStack(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	h, err := store.GetHistory(ctx, key)
	if err != nil {
		return err
	}
	return addMessageRows(ctx, gp, key, h)
}

func addMessageRows(ctx context.Context, gp middlewares.Processor, key history.ThreadKey, h conversation.Conversation) error {
	for i, m := range h {
		row := types.NewRow(
			types.MRP("thread", key.String()),
			types.MRP("index", i),
			types.MRP("role", string(m.Role())),
			types.MRP("text", m.Text()),
			types.MRP("content_type", string(m.Content.ContentType())),
			types.MRP("time", m.Time.Format(time.RFC3339)),
			types.MRP("id", m.ID.String()),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type ThreadsSettings struct {
	Glob string `glazed.parameter:"glob"`
}

// ThreadsCommand lists the stored threads, optionally filtered by a glob on
// the key.
type ThreadsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ThreadsCommand)(nil)

func NewThreadsCommand() (*ThreadsCommand, error) {
	glazedParameterLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create Glazed parameter layer")
	}

	return &ThreadsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"threads",
			cmds.WithShort("List stored threads"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"glob",
					parameters.ParameterTypeString,
					parameters.WithHelp("Only list threads whose key matches this glob"),
					parameters.WithDefault(""),
				),
			),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

func (c *ThreadsCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *layers.ParsedLayers, gp middlewares.Processor) error {
	s := &ThreadsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "error initializing settings")
	}
	if s.Glob != "" {
		if _, err := glob.Match(s.Glob, ""); err != nil {
			return errors.Wrapf(err, "invalid glob %q", s.Glob)
		}
	}

	store, err := openStoreStack(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	threads, err := store.ListThreads(ctx)
	if err != nil {
		return err
	}
	return addThreadRows(ctx, gp, threads, s.Glob)
}

func addThreadRows(ctx context.Context, gp middlewares.Processor, threads []history.ThreadInfo, pattern string) error {
	for _, t := range threads {
		if pattern != "" {
			ok, err := glob.Match(pattern, t.Key.String())
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		row := types.NewRow(
			types.MRP("thread", t.Key.String()),
			types.MRP("messages", t.MessageCount),
			types.MRP("created_at", t.CreatedAt.Format(time.RFC3339)),
			types.MRP("updated_at", t.UpdatedAt.Format(time.RFC3339)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func NewClearCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete a thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := threadFlag(cmd)
			if err != nil {
				return err
			}
			store, err := openStoreStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)
			return store.Clear(cmd.Context(), key)
		},
	}
	cmd.Flags().String("thread", "", "Thread key")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}
