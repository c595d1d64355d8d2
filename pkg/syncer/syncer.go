package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/datalab/medsync/pkg/config"
	"github.com/datalab/medsync/pkg/enrich"
	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
	"github.com/datalab/medsync/pkg/progress"
	"github.com/datalab/medsync/pkg/scrub"
	"github.com/datalab/medsync/pkg/types"
	"github.com/datalab/medsync/pkg/watermark"
)

// RunState tracks where a run is in its lifecycle, for logging
type RunState string

const (
	StateIdle      RunState = "idle"
	StateLeased    RunState = "leased"
	StateReading   RunState = "reading"
	StateWriting   RunState = "writing"
	StateAdvancing RunState = "advancing"
	StateDone      RunState = "done"
	StateAborted   RunState = "aborted"
)

// Stream is the cursor contract the orchestrator consumes
type Stream interface {
	FetchBatch(ctx context.Context) ([]*types.WorkOrder, error)
	Close() error
}

// SourceReader abstracts the warehouse for the orchestrator
type SourceReader interface {
	OpenStream(ctx context.Context, table string, since types.Position, until *time.Time, batchSize int) (Stream, error)
	Count(ctx context.Context, table string, since types.Position, until *time.Time) (int64, error)
}

// SinkWriter abstracts the operational store writes
type SinkWriter interface {
	UpsertBatch(ctx context.Context, table string, rows []*types.WorkOrder, floor types.Position) (types.UpsertResult, error)
	UpsertExtractions(ctx context.Context, extractions []*types.Extraction) error
}

// EmbeddingSink persists vectors; nil disables embedding persistence
type EmbeddingSink interface {
	Put(ctx context.Context, rec *types.EmbeddingRecord) error
}

// MetaStore abstracts the watermark store
type MetaStore interface {
	Read(ctx context.Context, table string) (*types.TableMetadata, error)
	BeginRun(ctx context.Context, table string) (*watermark.Lease, error)
	Checkpoint(ctx context.Context, lease *watermark.Lease, pos types.Position, counters types.RunCounters, cp *types.Checkpoint) error
	CommitRun(ctx context.Context, lease *watermark.Lease, final types.Position, counters types.RunCounters) error
	AbortRun(ctx context.Context, lease *watermark.Lease, cause error) error
}

// Enricher is the AI capability; nil runs the pipeline without enrichment
type Enricher interface {
	Extract(ctx context.Context, text string) (*types.Extraction, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
}

// Options bundles the orchestrator knobs derived from configuration
type Options struct {
	BatchSize    int
	MaxInFlight  int
	Retry        faults.RetryPolicy
	BudgetPolicy config.BudgetPolicy
	DryRun       bool
}

// Result is the outcome of one table's run
type Result struct {
	Table    string
	Status   types.SyncStatus
	Skipped  bool // another worker held the lease
	Counters types.RunCounters
	Summary  string
	Err      error
}

// Syncer drives the incremental loop for one or more tables. Incremental
// runs are single-writer per table; the lease enforces it.
type Syncer struct {
	source   SourceReader
	sink     SinkWriter
	embed    EmbeddingSink
	meta     MetaStore
	enricher Enricher
	scrubber *scrub.Scrubber
	reporter *progress.Reporter
	opts     Options
	logger   zerolog.Logger
}

// New wires the orchestrator
func New(source SourceReader, sink SinkWriter, embed EmbeddingSink, meta MetaStore,
	enricher Enricher, scrubber *scrub.Scrubber, reporter *progress.Reporter, opts Options) *Syncer {
	return &Syncer{
		source:   source,
		sink:     sink,
		embed:    embed,
		meta:     meta,
		enricher: enricher,
		scrubber: scrubber,
		reporter: reporter,
		opts:     opts,
		logger:   log.WithComponent("syncer"),
	}
}

// SyncTable runs the incremental loop for one table:
// lease, stream, enrich, upsert, checkpoint, commit.
func (s *Syncer) SyncTable(ctx context.Context, table string) *Result {
	logger := s.logger.With().Str("table", table).Logger()

	if s.opts.DryRun {
		return s.dryRun(ctx, table, logger)
	}

	state := StateIdle
	setState := func(next RunState) {
		state = next
		logger.Debug().Str("state", string(state)).Msg("run state")
	}

	lease, err := s.meta.BeginRun(ctx, table)
	if err != nil {
		if errors.Is(err, watermark.ErrMetadataConflict) {
			logger.Warn().Msg("table is leased by another run, skipping")
			return &Result{
				Table:   table,
				Status:  types.SyncStatusInProgress,
				Skipped: true,
				Summary: "table=" + table + " status=skipped reason=leased",
			}
		}
		return s.failed(table, nil, nil, err)
	}
	logger = logger.With().Str("run_id", lease.ID).Logger()
	setState(StateLeased)

	since := lease.Metadata.SincePosition()
	run := s.reporter.StartRun(table, 0)

	var stream Stream
	err = faults.Retry(ctx, "syncer.open_stream", s.opts.Retry, func(ctx context.Context) error {
		var err error
		stream, err = s.source.OpenStream(ctx, table, since, nil, s.opts.BatchSize)
		return err
	})
	if err != nil {
		return s.failed(table, lease, run, err)
	}
	defer stream.Close()

	var (
		counters       types.RunCounters
		lastPos        types.Position
		enrichDisabled bool
		batchSeq       int
	)
	for {
		setState(StateReading)
		batch, err := stream.FetchBatch(ctx)
		if err != nil {
			return s.failed(table, lease, run, err)
		}
		if len(batch) == 0 {
			break
		}
		batchSeq++

		setState(StateWriting)
		extractions, embeddings, err := s.enrichBatch(ctx, batch, &enrichDisabled)
		if err != nil {
			return s.failed(table, lease, run, err)
		}

		var result types.UpsertResult
		err = faults.Retry(ctx, "syncer.upsert", s.opts.Retry, func(ctx context.Context) error {
			var err error
			result, err = s.sink.UpsertBatch(ctx, table, batch, since)
			return err
		})
		if err != nil {
			s.reporter.Observe(false)
			return s.failed(table, lease, run, err)
		}
		if err := s.persistEnrichment(ctx, extractions, embeddings); err != nil {
			s.reporter.Observe(false)
			return s.failed(table, lease, run, err)
		}

		setState(StateAdvancing)
		for _, row := range batch {
			if pos := types.PositionOf(row); lastPos.Before(pos) {
				lastPos = pos
			}
		}
		delta := types.RunCounters{
			Rows:        int64(result.Rows()),
			Quarantined: int64(result.Quarantined),
		}
		counters.Rows += delta.Rows
		counters.Quarantined += delta.Quarantined

		// the checkpoint carries the max identity at the watermark so a
		// re-run filters (watermark, identity) pairs, not timestamps alone
		cp := &types.Checkpoint{Last: lastPos, BatchSize: s.opts.BatchSize}
		if err := s.meta.Checkpoint(ctx, lease, lastPos, delta, cp); err != nil {
			return s.failed(table, lease, run, err)
		}

		run.AddRows(result.Rows())
		s.reporter.Observe(true)
		logger.Debug().
			Int("batch", batchSeq).
			Int("rows", result.Rows()).
			Int("quarantined", result.Quarantined).
			Time("watermark", lastPos.Watermark).
			Msg("batch committed")
	}

	if err := s.meta.CommitRun(ctx, lease, lastPos, counters); err != nil {
		return s.failed(table, lease, run, err)
	}
	setState(StateDone)

	return &Result{
		Table:    table,
		Status:   types.SyncStatusCompleted,
		Counters: counters,
		Summary:  run.Finish(types.SyncStatusCompleted, nil),
	}
}

// SyncAll runs every table sequentially and returns per-table results.
// Incremental runs keep one writer per table; cross-table parallelism is
// the scheduler's job, not ours.
func (s *Syncer) SyncAll(ctx context.Context, tables []string) []*Result {
	results := make([]*Result, 0, len(tables))
	for _, table := range tables {
		results = append(results, s.SyncTable(ctx, table))
	}
	return results
}

func (s *Syncer) dryRun(ctx context.Context, table string, logger zerolog.Logger) *Result {
	md, err := s.meta.Read(ctx, table)
	if err != nil {
		return s.failed(table, nil, nil, err)
	}
	since := md.SincePosition()
	n, err := s.source.Count(ctx, table, since, nil)
	if err != nil {
		return s.failed(table, nil, nil, err)
	}
	logger.Info().Int64("pending_rows", n).Time("since", since.Watermark).Msg("dry run")
	return &Result{
		Table:    table,
		Status:   types.SyncStatusCompleted,
		Counters: types.RunCounters{Total: n},
		Summary:  fmt.Sprintf("table=%s status=dry_run pending=%d", table, n),
	}
}

func (s *Syncer) failed(table string, lease *watermark.Lease, run *progress.Run, cause error) *Result {
	if lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.meta.AbortRun(ctx, lease, cause); err != nil {
			s.logger.Error().Str("table", table).Err(err).Msg("abort failed")
		}
	}
	s.logger.Debug().Str("table", table).Str("state", string(StateAborted)).Msg("run state")
	summary := "table=" + table + " status=failed error=" + cause.Error()
	if run != nil {
		summary = run.Finish(types.SyncStatusFailed, cause)
	}
	return &Result{Table: table, Status: types.SyncStatusFailed, Summary: summary, Err: cause}
}

// ProcessBatch runs one batch through scrub, enrichment and the sink
// upsert. Backfill workers call it per slice; the incremental loop in
// SyncTable carries the same stages with run-scoped degrade state.
func (s *Syncer) ProcessBatch(ctx context.Context, table string, batch []*types.WorkOrder, floor types.Position) (types.UpsertResult, error) {
	var disabled bool
	extractions, embeddings, err := s.enrichBatch(ctx, batch, &disabled)
	if err != nil {
		return types.UpsertResult{}, err
	}

	var result types.UpsertResult
	err = faults.Retry(ctx, "syncer.upsert", s.opts.Retry, func(ctx context.Context) error {
		var err error
		result, err = s.sink.UpsertBatch(ctx, table, batch, floor)
		return err
	})
	if err != nil {
		return types.UpsertResult{}, err
	}
	if err := s.persistEnrichment(ctx, extractions, embeddings); err != nil {
		return types.UpsertResult{}, err
	}
	return result, nil
}

// rowEnrichment pairs a row with its AI output
type rowEnrichment struct {
	extraction *types.Extraction
	embedding  *types.EmbeddingRecord
}

// enrichBatch scrubs and enriches the batch with bounded in-flight AI
// calls. Budget and circuit-open failures flip the run to degraded mode
// under soft_degrade, producing rule-based extractions, and abort it under
// hard_gate. Malformed model output drops only that row's enrichment.
func (s *Syncer) enrichBatch(ctx context.Context, batch []*types.WorkOrder, disabled *bool) ([]*types.Extraction, []*types.EmbeddingRecord, error) {
	if s.enricher == nil {
		return nil, nil, nil
	}

	results := make([]rowEnrichment, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxInFlight)
	for i, row := range batch {
		i, row := i, row
		g.Go(func() error {
			re, err := s.enrichRow(gctx, row, *disabled)
			if err != nil {
				return err
			}
			results[i] = re
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		kind := faults.KindOf(err)
		if kind == faults.Budget || kind == faults.CircuitOpen {
			if s.opts.BudgetPolicy == config.BudgetSoftDegrade {
				s.logger.Warn().Str("cause", string(kind)).Msg("enrichment degraded for the rest of the run")
				*disabled = true
				return s.enrichBatch(ctx, batch, disabled)
			}
			return nil, nil, err
		}
		return nil, nil, err
	}

	var (
		extractions []*types.Extraction
		embeddings  []*types.EmbeddingRecord
	)
	for _, re := range results {
		if re.extraction != nil {
			extractions = append(extractions, re.extraction)
		}
		if re.embedding != nil {
			embeddings = append(embeddings, re.embedding)
		}
	}
	return extractions, embeddings, nil
}

func (s *Syncer) enrichRow(ctx context.Context, row *types.WorkOrder, degraded bool) (rowEnrichment, error) {
	text := strings.TrimSpace(row.LongText)
	if text == "" {
		text = strings.TrimSpace(row.MediumText)
	}
	if text == "" {
		return rowEnrichment{}, nil
	}

	timer := metrics.NewTimer()
	scrubbed, _ := s.scrubber.Scrub(text)
	timer.ObserveDurationVec(metrics.StageLatency, "scrub")

	if degraded {
		fb := enrich.FallbackExtract(scrubbed)
		fb.NotificationID = row.NotificationID
		return rowEnrichment{extraction: fb}, nil
	}

	var extraction *types.Extraction
	err := faults.Retry(ctx, "syncer.extract", s.opts.Retry, func(ctx context.Context) error {
		t := metrics.NewTimer()
		var err error
		extraction, err = s.enricher.Extract(ctx, scrubbed)
		if err == nil {
			t.ObserveDurationVec(metrics.StageLatency, "extract")
		}
		return err
	})
	switch {
	case err == nil:
		extraction.NotificationID = row.NotificationID
	case faults.KindOf(err) == faults.Data:
		// model output never validated; keep the raw row, drop the enrichment
		s.logger.Warn().Str("id", row.NotificationID).Msg("extraction quarantined, keeping raw row")
		return rowEnrichment{}, nil
	default:
		return rowEnrichment{}, err
	}

	var vec []float32
	err = faults.Retry(ctx, "syncer.embed", s.opts.Retry, func(ctx context.Context) error {
		t := metrics.NewTimer()
		var err error
		vec, err = s.enricher.Embed(ctx, scrubbed)
		if err == nil {
			t.ObserveDurationVec(metrics.StageLatency, "embed")
		}
		return err
	})
	if err != nil {
		if faults.KindOf(err) == faults.Data {
			return rowEnrichment{extraction: extraction}, nil
		}
		return rowEnrichment{}, err
	}

	return rowEnrichment{
		extraction: extraction,
		embedding: &types.EmbeddingRecord{
			NotificationID: row.NotificationID,
			SourceText:     scrubbed,
			Vector:         vec,
			ModelVersion:   s.enricher.ModelVersion(),
			CreatedAt:      time.Now().UTC(),
		},
	}, nil
}

func (s *Syncer) persistEnrichment(ctx context.Context, extractions []*types.Extraction, embeddings []*types.EmbeddingRecord) error {
	if len(extractions) > 0 {
		err := faults.Retry(ctx, "syncer.upsert_extractions", s.opts.Retry, func(ctx context.Context) error {
			return s.sink.UpsertExtractions(ctx, extractions)
		})
		if err != nil {
			return err
		}
	}
	if s.embed == nil {
		return nil
	}
	for _, rec := range embeddings {
		err := faults.Retry(ctx, "syncer.put_embedding", s.opts.Retry, func(ctx context.Context) error {
			return s.embed.Put(ctx, rec)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
