package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/pipeline"
)

var (
	runURLs     []string
	runTerms    []string
	runChannels []string
	runMode     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new collection and enrichment run",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Flags override the config file so one-off runs need no edit.
		if len(runURLs) > 0 {
			cfg.Discovery.VideoURLs = runURLs
			cfg.Discovery.SearchTerms = nil
			cfg.Discovery.Channels = nil
		}
		if len(runTerms) > 0 {
			cfg.Discovery.SearchTerms = runTerms
			cfg.Discovery.VideoURLs = nil
			cfg.Discovery.Channels = nil
		}
		if len(runChannels) > 0 {
			cfg.Discovery.Channels = runChannels
			cfg.Discovery.VideoURLs = nil
			cfg.Discovery.SearchTerms = nil
		}
		if runMode != "" {
			cfg.Run.Mode = runMode
		}

		o, err := pipeline.Build(ctx, cfg)
		if err != nil {
			return err
		}

		runID, err := o.Run(ctx)
		if err != nil {
			if runID != "" {
				zap.L().Error("run ended with error, resumable",
					zap.String("run", runID),
					zap.Error(err),
				)
			}
			return eris.Wrap(err, "run")
		}

		cmd.Println(runID)
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runURLs, "url", nil, "video URL or ID (repeatable)")
	runCmd.Flags().StringSliceVar(&runTerms, "search", nil, "search term (repeatable)")
	runCmd.Flags().StringSliceVar(&runChannels, "channel", nil, "channel URL or handle (repeatable)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "pacing profile: fast or robust (default from config)")
	rootCmd.AddCommand(runCmd)
}
