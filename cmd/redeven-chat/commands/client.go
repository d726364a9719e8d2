package commands

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/floegence/redeven-chat/internal/chatclient"
	"github.com/spf13/cobra"
)

const (
	envServerURL = "REDEVEN_CHAT_URL"
	envToken     = "REDEVEN_CHAT_TOKEN"
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "Server URL (default: $"+envServerURL+" or http://127.0.0.1:8080)")
	cmd.Flags().String("token", "", "Bearer token (default: $"+envToken+")")
}

func newClient(cmd *cobra.Command, store *chatclient.Store, onStarted func(string)) (*chatclient.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	server = firstSet(server, os.Getenv(envServerURL), "http://127.0.0.1:8080")
	token = firstSet(token, os.Getenv(envToken))
	if token == "" {
		return nil, errors.New("missing bearer token (use --token or " + envToken + ")")
	}
	return chatclient.New(chatclient.Options{
		Logger:          slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn})),
		BaseURL:         server,
		Token:           token,
		Store:           store,
		OnThreadStarted: onStarted,
	})
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
