package cmds

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// printConversation writes one "[role]: text" line per message.
func printConversation(w io.Writer, c conversation.Conversation) error {
	for _, m := range c {
		if err := printMessage(w, m); err != nil {
			return err
		}
	}
	return nil
}

func printMessage(w io.Writer, m *conversation.Message) error {
	_, err := fmt.Fprintln(w, m.Content.View())
	return err
}

func writeThread(w io.Writer, format string, key history.ThreadKey, c conversation.Conversation) error {
	doc := &conversation.ThreadDocument{Thread: key.String(), Messages: c}
	var (
		b   []byte
		err error
	)
	switch format {
	case "json":
		b, err = conversation.MarshalThreadJSON(doc)
	case "yaml":
		b, err = conversation.MarshalThreadYAML(doc)
	default:
		return errors.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func threadFlag(cmd *cobra.Command) (history.ThreadKey, error) {
	s, err := cmd.Flags().GetString("thread")
	if err != nil {
		return "", err
	}
	key := history.ThreadKey(strings.TrimSpace(s))
	if err := key.Validate(); err != nil {
		return "", err
	}
	return key, nil
}

func parseRole(s string) (conversation.Role, error) {
	role := conversation.Role(strings.ToLower(s))
	if role == "ai" {
		role = conversation.RoleAssistant
	}
	if role == "user" {
		role = conversation.RoleHuman
	}
	if !role.IsValid() || role == conversation.RoleTool {
		return "", errors.Errorf("invalid role %q", s)
	}
	return role, nil
}
