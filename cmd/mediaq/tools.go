package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mediaq/internal/config"
	"mediaq/internal/depmanager"
	"mediaq/internal/errs"
	"mediaq/internal/procexec"
)

func newToolsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Check, install and update yt-dlp, ffmpeg and deno",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Show where each tool resolves and whether it is usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			depMgr, cfg, err := newDepManager(ctx)
			if err != nil {
				return err
			}

			if cfg.DepManager.UseSystemBinaries {
				// missing tools show up in the table
				_ = depMgr.ResolveSystem(cmd.Context())
			}

			return printTools(cmd.OutOrStdout(), depMgr.Check())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Download missing tools into the bins dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			depMgr, _, err := newDepManager(ctx)
			if err != nil {
				return err
			}

			if err := depMgr.Install(cmd.Context()); err != nil {
				return fmt.Errorf("install tools: %w", err)
			}

			return printTools(cmd.OutOrStdout(), depMgr.Check())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "update",
		Short: "Run the yt-dlp self-updater",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			depMgr, cfg, err := newDepManager(ctx)
			if err != nil {
				return err
			}

			if cfg.DepManager.UseSystemBinaries {
				if err := depMgr.ResolveSystem(cmd.Context()); err != nil {
					return fmt.Errorf("resolve tools: %w", err)
				}
			}

			out := cmd.OutOrStdout()

			return depMgr.Update(cmd.Context(), func(line string) { writeLine(out, "%s", line) })
		},
	})

	return cmd
}

func newDepManager(ctx *commandContext) (*depmanager.Manager, *config.Config, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, nil, err
	}

	log := ctx.newLogger(cfg, true)

	return depmanager.New(log, cfg, procexec.New(log, cfg.Tool.KillGrace)), cfg, nil
}

// printTools renders the tool table and fails when a required tool is missing.
func printTools(w io.Writer, statuses []depmanager.Status) error {
	rows := make([][]string, 0, len(statuses))

	var missing error

	for _, status := range statuses {
		rows = append(rows, []string{
			string(status.Name),
			yesNo(status.Required),
			yesNo(status.Ready),
			status.Path,
		})

		if status.Required && !status.Ready && missing == nil {
			missing = fmt.Errorf("%w: %s is missing; run `mediaq tools install`", errs.ErrToolNotReady, status.Name)
		}
	}

	writeLine(w, "%s", renderTable(toolColumns, rows))

	return missing
}
