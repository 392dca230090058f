// Package cli provides the command-line interface for chebot.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/matiasw/chebot/internal/config"
	"github.com/matiasw/chebot/internal/metrics"
	"github.com/matiasw/chebot/internal/session"
	"github.com/matiasw/chebot/internal/storage"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	cfgFile string
	verbose bool

	// Loaded configuration, shared by all commands.
	cfg config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "chebot",
	Short: "Context-aware Argentine Spanish translation bot",
	Long: `Chebot is a Telegram bot that translates whatever it receives into
casual Argentine Spanish. Every message is translated together with its
recent context, so pronouns, slang, and half-finished thoughts come out
right.

Sessions are cached in memory, persisted to local disk or to a remote
host over SSH, and keep working from memory when storage is down.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config is not needed for version and help
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.chebot/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

// cliLogger is a stderr-only logger for one-shot commands. serve sets up
// the full dual-output logger instead.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

// buildBackend constructs the configured storage backend. The returned
// closer must be called when the command is done with it.
func buildBackend(ctx context.Context, logger *slog.Logger) (storage.Backend, func() error, error) {
	switch cfg.Storage {
	case config.StorageLocal:
		local, err := storage.NewLocal(storage.LocalConfig{Dir: cfg.DataDir}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open local storage: %w", err)
		}
		return local, func() error { return nil }, nil

	case config.StorageSSH:
		signer, err := loadSigner(cfg.SSHKeyFile)
		if err != nil {
			return nil, nil, err
		}
		remote, err := storage.NewSSH(ctx, storage.SSHConfig{
			Host:           cfg.SSHHost,
			Port:           cfg.SSHPort,
			User:           cfg.SSHUser,
			Signer:         signer,
			KnownHostsFile: cfg.SSHKnownHosts,
			Dir:            cfg.SSHDir,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect ssh storage: %w", err)
		}
		return remote, remote.Close, nil

	case config.StorageMemory:
		return storage.NewMemory(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage)
	}
}

// buildSessions wires the session store and manager over a backend.
func buildSessions(backend storage.Backend, logger *slog.Logger, stats *metrics.Collector) (*session.Store, *session.Manager) {
	store := session.NewStore(backend, session.StoreConfig{
		MaxHistory: cfg.MaxHistory,
		IdleTTL:    cfg.IdleTTL,
	}, logger, stats)
	mgr := session.NewManager(store, session.ManagerConfig{ContextWindow: cfg.ContextWindow}, logger)
	return store, mgr
}

// loadSigner reads the SSH private key, prompting for a passphrase when
// the key is encrypted.
func loadSigner(file string) (ssh.Signer, error) {
	signer, err := storage.LoadPrivateKey(file, "")
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		pass, perr := promptPassphrase(file)
		if perr != nil {
			return nil, perr
		}
		return storage.LoadPrivateKey(file, pass)
	}
	return signer, err
}

func promptPassphrase(file string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("key %s is encrypted and no terminal is available for the passphrase", file)
	}
	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", file)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(pass), nil
}
