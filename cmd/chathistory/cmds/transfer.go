package cmds

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a thread as a JSON or YAML document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := threadFlag(cmd)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			if format != "json" && format != "yaml" {
				return errors.Errorf("unknown export format %q", format)
			}

			store, err := openStoreStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			file, _ := cmd.Flags().GetString("file")
			if file != "" {
				m, err := history.NewThreadManager(store, key)
				if err != nil {
					return err
				}
				return m.SaveToFile(cmd.Context(), file)
			}

			h, err := store.GetHistory(cmd.Context(), key)
			if err != nil {
				return err
			}
			return writeThread(cmd.OutOrStdout(), format, key, h)
		},
	}
	cmd.Flags().String("thread", "", "Thread key")
	cmd.Flags().String("format", "yaml", "Document format (json, yaml)")
	cmd.Flags().String("file", "", "Write to this file instead of stdout, format taken from the extension")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

// ReadThreadDocument decodes a thread export, picking the format from the
// file extension.
func ReadThreadDocument(path string) (*conversation.ThreadDocument, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return conversation.UnmarshalThreadJSON(b)
	case ".yaml", ".yml":
		return conversation.UnmarshalThreadYAML(b)
	default:
		return nil, errors.Errorf("cannot tell format of %s, use .json or .yaml", path)
	}
}

func NewImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Append the messages of an exported thread document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ReadThreadDocument(args[0])
			if err != nil {
				return err
			}

			threadStr, _ := cmd.Flags().GetString("thread")
			key := history.ThreadKey(strings.TrimSpace(threadStr))
			if key.IsZero() {
				key = history.ThreadKey(doc.Thread)
			}
			if err := key.Validate(); err != nil {
				return errors.Wrap(err, "document has no thread, pass --thread")
			}

			store, err := openStoreStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore(store)

			h, err := store.Append(cmd.Context(), key, doc.Messages...)
			if err != nil {
				return err
			}
			log.Debug().Str("thread", key.String()).Int("count", len(doc.Messages)).Msg("imported thread")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d messages\n", key, len(h))
			return err
		},
	}
	cmd.Flags().String("thread", "", "Thread key (default: the thread named in the document)")
	return cmd
}
