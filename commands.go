package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"meetup-messager/pkg/outreach"
	"meetup-messager/server"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Log in and message the next pages of every target group.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx := cmd.Context()

			store, closeStore, err := openStore(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			reporter, err := newReporter(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}

			summary, runErr := newOutreachRunner(a.cfg, store, reporter, a.logger).Run(ctx)
			printSummary(cmd.OutOrStdout(), summary)
			return runErr
		},
	}
}

func printSummary(w io.Writer, s *outreach.RunSummary) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Own group", "Sent", "Pages", "Exhausted groups", "Duration", "Error"})
	duration := ""
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		duration = s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String()
	}
	t.AppendRow(table.Row{s.OwnGroup, s.Sent, s.Pages, strings.Join(s.Exhausted, ", "), duration, s.Error})
	t.Render()
}

func newSeenCmd(a *app) *cobra.Command {
	var add string
	cmd := &cobra.Command{
		Use:   "seen",
		Short: "List users already messaged on behalf of the own group, or mark one as messaged.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateOwnGroup(); err != nil {
				return err
			}
			ctx := cmd.Context()

			store, closeStore, err := openStore(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if add != "" {
				added, err := store.AddSeen(ctx, a.cfg.OwnGroup, add)
				if err != nil {
					return err
				}
				if added {
					fmt.Fprintf(cmd.OutOrStdout(), "added %s to seen users of %s\n", add, a.cfg.OwnGroup)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already a seen user of %s\n", add, a.cfg.OwnGroup)
				}
				return nil
			}

			ids, err := store.LoadSeen(ctx, a.cfg.OwnGroup)
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"#", "User ID"})
			for i, id := range ids.Sorted() {
				t.AppendRow(table.Row{i + 1, id})
			}
			t.AppendFooter(table.Row{"Total", ids.Len()})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&add, "add", "", "user id to mark as already messaged")
	return cmd
}

func newJoinersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "joiners",
		Short: "Show messaged users who have since joined the own group.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateOwnGroup(); err != nil {
				return err
			}
			ctx := cmd.Context()

			store, closeStore, err := openStore(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			seen, err := store.LoadSeen(ctx, a.cfg.OwnGroup)
			if err != nil {
				return err
			}
			own, err := newMembersClient(a.cfg, a.logger).FetchAll(ctx, a.cfg.OwnGroup)
			if err != nil {
				return fmt.Errorf("fetch own group members: %w", err)
			}

			joined := outreach.Joined(own, seen)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "users joined: %d/%d\n", len(joined), own.Len())

			t := newTable(out)
			t.AppendHeader(table.Row{"User ID"})
			for _, id := range joined {
				t.AppendRow(table.Row{id})
			}
			t.Render()
			return nil
		},
	}
}

func newPagesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pages",
		Short: "Show the next page to fetch for each target group.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, closeStore, err := openStore(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			saved, err := store.LoadPages(ctx)
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Group", "Next page", "Saved"})
			listed := make(map[string]bool, len(a.cfg.Groups))
			for _, g := range a.cfg.Groups {
				listed[g] = true
				page, ok := saved[g]
				if !ok {
					page = a.cfg.FirstPage
				}
				t.AppendRow(table.Row{g, page, ok})
			}
			for _, g := range slices.Sorted(maps.Keys(saved)) {
				if !listed[g] {
					t.AppendRow(table.Row{g, saved[g], true})
				}
			}
			t.Render()
			return nil
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve health, run trigger and progress endpoints over HTTP.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx := cmd.Context()

			store, closeStore, err := openStore(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			reporter, err := newReporter(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}

			srv := server.New(&server.Config{
				Runner:     newOutreachRunner(a.cfg, store, reporter, a.logger),
				Store:      store,
				OwnGroup:   a.cfg.OwnGroup,
				Logger:     a.logger,
				RunContext: ctx,
			})
			return srv.ListenAndServe(ctx, a.cfg.HTTPPort)
		},
	}
}
