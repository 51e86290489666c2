package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mediaq/internal/consts"
	"mediaq/internal/entity"
	"mediaq/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			log := ctx.newLogger(cfg, true)

			store, err := history.Open(cmd.Context(), log, cfg.Storage.HistoryDB)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			jobs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list history: %w", err)
			}

			out := cmd.OutOrStdout()
			printHistory(out, jobs, isTerminal(out))

			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", consts.DefaultHistoryLimit, "Number of jobs to show")

	return cmd
}

func printHistory(w io.Writer, jobs []entity.Job, colorize bool) {
	if len(jobs) == 0 {
		writeLine(w, "No finished jobs yet.")

		return
	}

	writeLine(w, "%s", renderTable(historyColumns, historyRows(jobs, colorize)))
}
