package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetForce bool
)

var resetCmd = &cobra.Command{
	Use:   "reset <user>",
	Short: "Start a fresh conversation for a user",
	Long: `Discard a user's conversation history and start a new one.

The stored record is replaced with an empty conversation.
Requires confirmation unless --force is used.

Examples:
  chebot reset 123456789
  chebot reset local --force`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "skip confirmation")
}

func runReset(cmd *cobra.Command, args []string) error {
	userID := args[0]
	ctx := context.Background()
	logger := cliLogger()

	if !resetForce {
		fmt.Printf("About to reset the conversation for: %s\n", userID)
		fmt.Print("\nContinue? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	backend, closeBackend, err := buildBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	_, mgr := buildSessions(backend, logger, nil)

	convID, err := mgr.HandleNew(ctx, userID)
	if err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}

	fmt.Printf("Reset: %s (new conversation %s)\n", userID, convID)
	return nil
}
