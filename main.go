// Package main implements meetup-messager, a CLI that invites members of other meetup
// groups to join your own by sending them templated direct messages.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"meetup-messager/config"

	"github.com/spf13/cobra"
)

// app is the state shared by every command, built before any command runs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	a := &app{}
	var configPath string

	root := &cobra.Command{
		Use:           "meetup-messager",
		Short:         "meetup-messager messages members of other meetup groups, inviting them to yours.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(stderr, cfg.SlogLevel())
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default "+config.DefaultFile+" if present)")

	root.AddCommand(
		newRunCmd(a),
		newSeenCmd(a),
		newJoinersCmd(a),
		newPagesCmd(a),
		newServeCmd(a),
	)
	return root
}

// newLogger builds the structured JSON logger. Logs go to w so tables on stdout stay clean.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
