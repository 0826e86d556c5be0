package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnemokit/mnemo/internal/config"
	"github.com/mnemokit/mnemo/internal/daemon"
	"github.com/mnemokit/mnemo/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage stored session histories",
	Long: `Inspect and manage session histories in the configured storage backend.
These commands open the same backend the daemon uses, so they work
whether or not the daemon is running.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, most recently modified first",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <session-id>",
	Short: "Delete a session's history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsClear,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// openStore resolves the configured backend the same way the daemon does.
func openStore() (session.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	opts, err := daemon.StoreOptions(cfg)
	if err != nil {
		return nil, err
	}

	store, err := opts.Resolve()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("session memory is disabled")
	}

	return store, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		cmd.Println("No sessions stored")
		return nil
	}

	for _, id := range sessions {
		cmd.Println(id)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessionID := args[0]
	exists, err := store.Exists(cmd.Context(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if !exists {
		return fmt.Errorf("session %q does not exist", sessionID)
	}

	items, err := store.Load(cmd.Context(), sessionID)
	if err != nil {
		return err
	}

	cmd.Printf("Session %s (%d items)\n", sessionID, len(items))
	for _, item := range items {
		var msg struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		// Items in other schemas print as raw JSON.
		if err := json.Unmarshal(item, &msg); err == nil && msg.Role != "" && msg.Content != "" {
			cmd.Printf("[%s] %s\n", msg.Role, msg.Content)
			continue
		}
		cmd.Println(string(item))
	}
	return nil
}

func runSessionsClear(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessionID := args[0]
	if err := store.Clear(cmd.Context(), sessionID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	cmd.Printf("Cleared session %s\n", sessionID)
	return nil
}
