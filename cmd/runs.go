package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/vidlab-io/corpus-cli/internal/ledger"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/internal/pipeline"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history",
	Long:  "Commands for listing and viewing runs recorded in the diagnostics ledger.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		led, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := led.ListRuns(ctx, ledger.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		led, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		run, err := led.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs attempts --

var runsAttemptsCmd = &cobra.Command{
	Use:   "attempts <run-id>",
	Short: "List provider attempts recorded for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		led, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		attempts, err := led.ListAttempts(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs attempts")
		}

		if len(attempts) == 0 {
			fmt.Fprintln(os.Stderr, "No attempts recorded.")
			return nil
		}

		formatAttempts(cmd.OutOrStdout(), attempts)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, failed, aborted)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsAttemptsCmd)
	rootCmd.AddCommand(runsCmd)
}

// initLedger opens and migrates the configured ledger backend.
func initLedger(ctx context.Context) (ledger.Ledger, error) {
	return pipeline.OpenLedger(ctx, cfg)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []ledger.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSTATUS\tUNITS\tPROCESSED\tBLOCKED\tCOMMENTS\tCHUNKS\tUPDATED")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.RunID,
			r.Status,
			r.Units,
			r.Aggregates.UnitsProcessed,
			r.Aggregates.UnitsBlocked,
			r.Aggregates.CommentsCollected,
			r.Aggregates.TranscriptChunks,
			r.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatAttempts writes a tabular attempt log to w.
func formatAttempts(out io.Writer, attempts []model.ProviderAttempt) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tUNIT\tASSET\tOUTCOME\tITEMS\tLATENCY\tERROR")

	for _, a := range attempts {
		errMsg := a.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			a.Provider,
			a.Unit,
			a.Asset,
			a.Outcome,
			a.Items,
			a.Latency.Round(time.Millisecond),
			errMsg,
		)
	}
	_ = w.Flush()
}
