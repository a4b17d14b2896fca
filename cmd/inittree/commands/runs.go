package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/inittree/pkg/stores"
)

func newRunsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect resolution history",
	}

	cmd.AddCommand(newRunsListCommand(root))
	cmd.AddCommand(newRunsShowCommand(root))
	cmd.AddCommand(newRunsDeleteCommand(root))

	return cmd
}

func newRunsListCommand(root *rootOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent resolution runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(cmd.Context(), cmd.OutOrStdout(), root, limit, offset)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func runRunsList(ctx context.Context, out io.Writer, root *rootOptions, limit, offset int) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}

	store, err := openStore(ctx, root.storePath, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, limit, offset)
	if err != nil {
		return err
	}
	if root.jsonOutput {
		return writeJSON(out, runs)
	}
	for _, run := range runs {
		printRun(out, run)
	}
	return nil
}

func printRun(w io.Writer, run *stores.Run) {
	fmt.Fprintf(w, "%s  %-9s %3d built  cache %-11s %6dms  %-14s %s\n",
		run.ID, run.Status, run.Constructed, run.CacheOutcome, run.DurationMS,
		humanize.Time(run.StartedAt), run.Manifest)
	if run.Error != nil {
		fmt.Fprintf(w, "    error: %s\n", *run.Error)
	}
}

func newRunsShowCommand(root *rootOptions) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsShow(cmd.Context(), cmd.OutOrStdout(), root, args[0], level)
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "only show events at this level")

	return cmd
}

type runDetail struct {
	Run    *stores.Run     `json:"run"`
	Events []*stores.Event `json:"events"`
}

func runRunsShow(ctx context.Context, out io.Writer, root *rootOptions, id, level string) error {
	store, err := openStore(ctx, root.storePath, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	var levelFilter *string
	if level != "" {
		levelFilter = &level
	}
	events, err := store.GetEvents(ctx, &id, levelFilter, 1000, 0)
	if err != nil {
		return err
	}

	if root.jsonOutput {
		return writeJSON(out, runDetail{Run: run, Events: events})
	}
	printRun(out, run)
	for _, ev := range events {
		fmt.Fprintf(out, "  %s  %-5s %-24s %s\n", ev.Timestamp.Local().Format("15:04:05.000"), ev.Level, ev.Type, ev.Message)
	}
	return nil
}

func newRunsDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Delete runs and their event timelines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsDelete(cmd.Context(), cmd.OutOrStdout(), root, args)
		},
	}
}

func runRunsDelete(ctx context.Context, out io.Writer, root *rootOptions, ids []string) error {
	store, err := openStore(ctx, root.storePath, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, id := range ids {
		if err := store.DeleteRun(ctx, id); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "deleted %d run(s)\n", len(ids))
	return nil
}
