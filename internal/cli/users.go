package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users with stored conversations",
	RunE:  runUsers,
}

func runUsers(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := cliLogger()

	backend, closeBackend, err := buildBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	_, mgr := buildSessions(backend, logger, nil)

	users, err := mgr.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No users found.")
		return nil
	}

	fmt.Printf("Users (%d):\n\n", len(users))
	for _, u := range users {
		fmt.Printf("- %s\n", u)
	}

	return nil
}
