// Package commands implements the redeven-chat command line.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/floegence/redeven-chat/internal/config"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "redeven-chat",
		Short: "Streaming chat server and terminal client",
		Long: `redeven-chat serves a streaming LLM chat API with provider fallback and
durable thread history, and includes a terminal client for it.

Examples:
  redeven-chat serve --config ~/.redeven-chat/config.yaml
  redeven-chat chat --server http://127.0.0.1:8080
  redeven-chat threads`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			return config.LoadDotEnv(envFile)
		},
	}
	root.PersistentFlags().String("env-file", ".env", "Load environment variables from this file when it exists")

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewChatCmd())
	root.AddCommand(NewThreadsCmd())
	root.AddCommand(NewVersionCmd())
	return root
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}
