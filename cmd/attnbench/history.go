package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/example/go-attnbench/internal/bench"
	"github.com/example/go-attnbench/internal/config"
	"github.com/example/go-attnbench/internal/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List benchmark runs recorded with --db",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			runs, err := st.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tSTARTED\tDEVICE\tHEADS\tHEAD DIM\tOUTCOMES\tFAILED")

			for _, r := range runs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					shortID(r.ID), r.StartedAt.Local().Format(time.DateTime), r.Device,
					r.Heads, r.HeadDim, r.Outcomes, r.Failures)
			}

			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list (0 = all)")
	cmd.AddCommand(newHistoryShowCmd())

	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Re-print the summary of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			st, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			run, err := st.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outcomes, err := st.Outcomes(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			format := strings.ToLower(cfg.Output.Format)
			if format != config.FormatJSON {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "run %s, %s, %s, heads %d, head dim %d, seed %d\n\n",
					run.ID, run.StartedAt.Local().Format(time.DateTime), run.Device,
					run.Heads, run.HeadDim, run.Seed)
			}

			return writeSummary(cmd.OutOrStdout(), format, outcomes, bench.Aggregate(outcomes))
		},
	}
}

func openHistory(ctx context.Context) (*store.Store, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}

	if cfg.Output.DBPath == "" {
		return nil, errors.New("no run history configured (set --db or output.db_path)")
	}

	return store.Open(ctx, cfg.Output.DBPath)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
