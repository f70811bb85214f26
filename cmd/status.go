package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lgm-ops/movesync/internal/crm"
	"github.com/lgm-ops/movesync/internal/ingest"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show an integration and its recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, _ := cmd.Flags().GetString("integration")
		if id == "" {
			return eris.New("status: --integration is required")
		}
		n, _ := cmd.Flags().GetInt("runs")

		pool, err := dbPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		in, err := ingest.NewIntegrations(pool).Get(ctx, id)
		if err != nil {
			return err
		}
		if in == nil {
			return eris.Errorf("status: integration %s not found", id)
		}

		runs, err := ingest.NewSyncLog(pool).Recent(ctx, id, n)
		if err != nil {
			return err
		}

		formatIntegration(os.Stdout, in)
		if len(runs) == 0 {
			fmt.Println("\nNo sync runs yet")
			return nil
		}
		fmt.Println()
		formatRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("integration", "", "integration ID")
	statusCmd.Flags().Int("runs", 10, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}

func formatIntegration(out io.Writer, in *crm.Integration) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Integration:\t%s (%s)\n", in.Name, in.ID)
	_, _ = fmt.Fprintf(w, "Source:\t%s\n", in.APISource)
	_, _ = fmt.Fprintf(w, "Active:\t%t\n", in.IsActive)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", in.SyncStatus)
	_, _ = fmt.Fprintf(w, "Cadence:\tevery %dh\n", in.SyncFrequencyHours)
	_, _ = fmt.Fprintf(w, "Last sync:\t%s\n", formatSyncTime(in.LastSyncAt))
	_, _ = fmt.Fprintf(w, "Next sync:\t%s\n", formatSyncTime(in.NextSyncAt))
	_ = w.Flush()
}

// formatRuns writes a tabular representation of sync runs to w.
func formatRuns(out io.Writer, runs []crm.SyncLog) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tTYPE\tSTATUS\tSTARTED\tDURATION\tPROCESSED\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "---\t----\t------\t-------\t--------\t---------\t------\t-----")

	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}

		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		errMsg := ""
		if r.ErrorMessage != "" {
			errMsg = truncate(r.ErrorMessage, 60)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			id,
			r.SyncType,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.RecordsProcessed,
			r.RecordsFailed,
			errMsg,
		)
	}
	_ = w.Flush()
}

func formatSyncTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02 15:04")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
