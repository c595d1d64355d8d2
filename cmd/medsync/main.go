package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "medsync",
	Short: "Medsync - warehouse-to-operational-store ETL with AI enrichment",
	Long: `Medsync incrementally synchronizes medical work-order records from the
source warehouse into the operational store, then enriches each record
through PII scrubbing, structured extraction and vector embedding.

Incremental runs advance a per-table watermark; historical ranges are
replayed with the backfill subcommand.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Medsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("metrics-addr", ":9090", "Listen address for the Prometheus endpoint")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
}

// exitError carries the process exit-code convention: 1 partial failure,
// 2 configuration error, 3 persistent infrastructure error
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}
