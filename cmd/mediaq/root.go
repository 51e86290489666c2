package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "mediaq",
		Short:         "Queue and run media downloads with yt-dlp",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.logLevel, "log-level", "", "Log level: debug, info, warn or error (default from MEDIAQ_APP_LOG_LEVEL)")
	flags.StringVar(&ctx.dataDir, "data-dir", "", "Directory of the history database and lock file")
	flags.StringVar(&ctx.binsDir, "bins-dir", "", "Directory downloaded tools are installed in")
	flags.BoolVar(&ctx.systemBinaries, "system-binaries", false, "Use yt-dlp, ffmpeg and deno from PATH instead of the bins dir")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newGetCommand(ctx))
	rootCmd.AddCommand(newToolsCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))

	return rootCmd
}
