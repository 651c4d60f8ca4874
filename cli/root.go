// Package cli wires configuration, logging and a backend into the chat
// session and exposes it as commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat_sync_go/config"
	"chat_sync_go/logging"
)

var (
	// Global flags
	verbose bool
	envFile string
	timeout time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat client sync core",
	Long: `chatsync keeps a signed-in user's conversations in step with the chat backend.

Run "chatsync serve" to expose the session to a local UI over HTTP and
websockets, or use the other commands for one-shot operations.

The backend is chosen with BACKEND=graphql (managed GraphQL API, ID_TOKEN
from the identity provider) or BACKEND=postgres (self-hosted, tokens signed
with JWT_SECRET).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFiles()...)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cmd.Name() != "serve")
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to a .env file (default ./.env)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout for one-shot commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(whoamiCmd, profileCmd, presenceCmd)
	rootCmd.AddCommand(conversationsCmd, directCmd, groupCmd, leaveCmd)
	rootCmd.AddCommand(sendCmd, uploadCmd, watchCmd, reactCmd)
}

func envFiles() []string {
	if envFile == "" {
		return nil
	}
	return []string{envFile}
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
