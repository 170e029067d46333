package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/vidlab-io/corpus-cli/internal/pipeline"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run",
	Long:  "Reattaches to an existing run directory and continues from the checkpoint. Completed stages are not repeated.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		o, err := pipeline.Build(ctx, cfg)
		if err != nil {
			return err
		}

		if err := o.Resume(ctx, args[0]); err != nil {
			return eris.Wrapf(err, "resume %s", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
