package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/datalab/medsync/pkg/config"
	"github.com/datalab/medsync/pkg/enrich"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
	"github.com/datalab/medsync/pkg/progress"
	"github.com/datalab/medsync/pkg/scrub"
	"github.com/datalab/medsync/pkg/sink"
	"github.com/datalab/medsync/pkg/source"
	"github.com/datalab/medsync/pkg/syncer"
	"github.com/datalab/medsync/pkg/types"
	"github.com/datalab/medsync/pkg/watermark"
)

// loadConfig resolves configuration and initializes the global logger.
// Failures here map to exit code 2.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: 2, err: err}
	}
	level := log.Level(cfg.Log.Level)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.Log.JSON})
	return cfg, nil
}

// sourceAdapter lifts the concrete reader onto the orchestrator contract
type sourceAdapter struct {
	r *source.Reader
}

func (a sourceAdapter) OpenStream(ctx context.Context, table string, since types.Position, until *time.Time, batchSize int) (syncer.Stream, error) {
	return a.r.OpenStream(ctx, table, since, until, batchSize)
}

func (a sourceAdapter) Count(ctx context.Context, table string, since types.Position, until *time.Time) (int64, error) {
	return a.r.Count(ctx, table, since, until)
}

// pipeline bundles everything one run needs, built once per invocation
type pipeline struct {
	cfg      *config.Config
	source   sourceAdapter
	reader   *source.Reader
	writer   *sink.Writer
	meta     *watermark.Store
	cache    *enrich.EmbedCache
	reporter *progress.Reporter
	syncer   *syncer.Syncer
}

// buildPipeline connects both ends, smoke-tests them and wires the
// enrichment stack. Connectivity failures map to exit code 3.
func buildPipeline(ctx context.Context, cfg *config.Config, opts syncer.Options) (*pipeline, error) {
	reader, err := source.Open(cfg.Source)
	if err != nil {
		return nil, &exitError{code: 3, err: err}
	}
	if err := reader.Ping(ctx); err != nil {
		reader.Close()
		return nil, &exitError{code: 3, err: fmt.Errorf("source connection test: %w", err)}
	}

	writer, err := sink.New(ctx, cfg.Sink)
	if err != nil {
		reader.Close()
		return nil, &exitError{code: 3, err: err}
	}
	if err := writer.Ping(ctx); err != nil {
		reader.Close()
		writer.Close()
		return nil, &exitError{code: 3, err: fmt.Errorf("sink connection test: %w", err)}
	}

	embedStore, err := sink.ProbeEmbeddingStore(ctx, writer)
	if err != nil {
		reader.Close()
		writer.Close()
		return nil, &exitError{code: 3, err: err}
	}

	meta := watermark.NewStore(writer.Pool(), cfg.ETL.WatermarkTable)

	slo := time.Duration(cfg.ETL.RunSLOSeconds) * time.Second
	reporter := progress.NewReporter(slo, progress.NewLogNotifier())

	costs := enrich.NewCostTracker(enrich.DefaultPricing(), cfg.AI.CostAlertUSD, cfg.AI.BudgetPolicy)
	costs.SetAlertFunc(reporter.CostAlert)
	cache, err := enrich.NewEmbedCache(cfg.AI.CacheEntries, cfg.AI.CacheFile)
	if err != nil {
		reader.Close()
		writer.Close()
		return nil, &exitError{code: 3, err: err}
	}
	client := enrich.New(cfg.AI, enrich.NewAzureTransport(cfg.AI), costs, cache)

	src := sourceAdapter{r: reader}
	sync := syncer.New(src, writer, embedStore, meta, client, scrub.New(), reporter, opts)

	return &pipeline{
		cfg:      cfg,
		source:   src,
		reader:   reader,
		writer:   writer,
		meta:     meta,
		cache:    cache,
		reporter: reporter,
		syncer:   sync,
	}, nil
}

func (p *pipeline) Close() {
	p.reader.Close()
	p.writer.Close()
	p.cache.Close()
}

// serveMetrics exposes the Prometheus endpoint when enabled. Serving is
// best-effort; a bind failure only logs.
func serveMetrics(cmd *cobra.Command, cfg *config.Config) {
	if !cfg.AI.EnablePrometheus {
		return
	}
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger := log.WithComponent("metrics")
			logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
}
