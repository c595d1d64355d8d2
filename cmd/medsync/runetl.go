package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/syncer"
)

var runETLCmd = &cobra.Command{
	Use:   "run-etl",
	Short: "Run one incremental sync pass over the managed tables",
	Long: `Run one incremental sync pass: for each managed table, lease it,
stream rows past the committed watermark, enrich them and upsert into
the operational store, advancing the watermark per batch.

Examples:
  # Sync every configured table
  medsync run-etl

  # Sync a subset with a smaller batch
  medsync run-etl --tables notification_text --batch-size 200

  # Count pending rows without writing or spending
  medsync run-etl --dry-run`,
	RunE: runETL,
}

func init() {
	runETLCmd.Flags().StringSlice("tables", nil, "Subset of tables to sync (default: all configured)")
	runETLCmd.Flags().Int("batch-size", 0, "Override the configured batch size")
	runETLCmd.Flags().Bool("dry-run", false, "Count pending rows without writing or spending")

	rootCmd.AddCommand(runETLCmd)
}

func runETL(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tables := cfg.ETL.Tables
	if v, _ := cmd.Flags().GetStringSlice("tables"); len(v) > 0 {
		tables = v
	}
	batchSize := cfg.ETL.BatchSize
	if v, _ := cmd.Flags().GetInt("batch-size"); v > 0 {
		batchSize = v
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	p, err := buildPipeline(ctx, cfg, syncer.Options{
		BatchSize:    batchSize,
		MaxInFlight:  cfg.AI.MaxInFlight,
		Retry:        cfg.ETL.RetryPolicy(),
		BudgetPolicy: cfg.AI.BudgetPolicy,
		DryRun:       dryRun,
	})
	if err != nil {
		return err
	}
	defer p.Close()
	serveMetrics(cmd, cfg)

	results := p.syncer.SyncAll(ctx, tables)

	failed := 0
	persistent := true
	for _, r := range results {
		fmt.Println(r.Summary)
		if r.Err != nil {
			failed++
			if faults.KindOf(r.Err) != faults.Persistent {
				persistent = false
			}
		}
	}
	switch {
	case failed == 0:
		return nil
	case failed == len(results) && persistent:
		return exitf(3, "all %d tables failed with persistent errors", failed)
	default:
		return exitf(1, "%d of %d tables failed", failed, len(results))
	}
}
