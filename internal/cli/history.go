package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history <user>",
	Short: "Show a user's recent conversation",
	Long: `Show the most recent messages of a user's conversation.

Examples:
  chebot history 123456789
  chebot history local --limit 50`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max messages")
}

func runHistory(cmd *cobra.Command, args []string) error {
	userID := args[0]
	ctx := context.Background()
	logger := cliLogger()

	backend, closeBackend, err := buildBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	_, mgr := buildSessions(backend, logger, nil)

	msgs, err := mgr.HandleHistory(ctx, userID, historyLimit)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	if len(msgs) == 0 {
		fmt.Println("No messages found.")
		return nil
	}

	fmt.Printf("History for %s (%d messages):\n\n", userID, len(msgs))
	fmt.Print(renderTranscript(msgs))

	return nil
}
