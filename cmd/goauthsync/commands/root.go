package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	redisAddr string
	logLevel  string
	logger    *slog.Logger
)

// Execute runs the goauthsync CLI.
func Execute() error {
	root := &cobra.Command{
		Use:           "goauthsync",
		Short:         "Session sync backend and context simulator",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q", logLevel)
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&redisAddr, "redis", envOr("GOAUTHSYNC_REDIS", ""), "redis address; empty starts an in-process miniredis (env GOAUTHSYNC_REDIS)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("GOAUTHSYNC_LOG_LEVEL", "info"), "debug, info, warn or error (env GOAUTHSYNC_LOG_LEVEL)")

	root.AddCommand(serveCmd(), watchCmd())
	return root.Execute()
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
