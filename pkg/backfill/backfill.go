package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
	"github.com/datalab/medsync/pkg/progress"
	"github.com/datalab/medsync/pkg/syncer"
	"github.com/datalab/medsync/pkg/types"
	"github.com/datalab/medsync/pkg/watermark"
)

// BatchProcessor runs one slice of rows through scrub, enrichment and
// the sink upsert. The incremental orchestrator provides the production
// implementation.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, table string, rows []*types.WorkOrder, floor types.Position) (types.UpsertResult, error)
}

// Options bounds one historical run
type Options struct {
	Table       string
	Start, End  time.Time
	BatchSize   int // starting and maximum slice size
	MaxWorkers  int
	MaxMemoryMB int
	Retry       faults.RetryPolicy
	Resume      bool // pick up from the checkpoint boundary
	DryRun      bool
}

// Result is the outcome of one backfill run. FailedRanges lists slices
// that exhausted their retries; the operator re-runs a narrowed range
// to retry them.
type Result struct {
	Table        string
	Status       types.SyncStatus
	Skipped      bool
	Counters     types.RunCounters
	FailedRanges []types.FailedRange
	Summary      string
	Err          error
}

// Backfiller replays a historical date range through the same pipeline
// the incremental loop uses, with inter-batch parallelism. Slices flow
// producer -> bounded work channel -> worker pool; completions funnel
// through a single checkpointer that persists the (watermark, id) boundary
// of the highest contiguous committed prefix.
type Backfiller struct {
	source   syncer.SourceReader
	proc     BatchProcessor
	meta     syncer.MetaStore
	reporter *progress.Reporter
	logger   zerolog.Logger
}

// New wires the historical orchestrator
func New(source syncer.SourceReader, proc BatchProcessor, meta syncer.MetaStore, reporter *progress.Reporter) *Backfiller {
	return &Backfiller{
		source:   source,
		proc:     proc,
		meta:     meta,
		reporter: reporter,
		logger:   log.WithComponent("backfill"),
	}
}

// slice is one unit of work for the pool, contiguous in (watermark, id)
// order because the producer cuts it from an ordered stream
type slice struct {
	seq      int
	rows     []*types.WorkOrder
	from, to types.Position
}

// ckptEvent is what a worker reports to the checkpointer: either a
// committed boundary with its counters or a quarantined range. seq is the
// producer's slice number; the checkpointer applies events in seq order.
type ckptEvent struct {
	seq         int
	boundary    types.Position
	rows        int64
	quarantined int64
	failed      *types.FailedRange
}

// Run backfills [opts.Start, opts.End] for one table.
func (b *Backfiller) Run(ctx context.Context, opts Options) *Result {
	logger := b.logger.With().Str("table", opts.Table).Logger()

	if opts.End.Before(opts.Start) {
		err := faults.Sentinel(faults.Persistent, "backfill end date precedes start date")
		return &Result{Table: opts.Table, Status: types.SyncStatusFailed, Summary: failSummary(opts.Table, err), Err: err}
	}

	// (start, "") orders before every row stamped at start, so the range
	// is inclusive on both ends
	since := types.Position{Watermark: opts.Start}
	until := opts.End

	if opts.DryRun {
		return b.dryRun(ctx, opts, since, until, logger)
	}

	lease, err := b.meta.BeginRun(ctx, opts.Table)
	if err != nil {
		if errors.Is(err, watermark.ErrMetadataConflict) {
			logger.Warn().Msg("table is leased by another run, skipping")
			return &Result{
				Table:   opts.Table,
				Status:  types.SyncStatusInProgress,
				Skipped: true,
				Summary: "table=" + opts.Table + " status=skipped reason=leased",
			}
		}
		return &Result{Table: opts.Table, Status: types.SyncStatusFailed, Summary: failSummary(opts.Table, err), Err: err}
	}
	logger = logger.With().Str("run_id", lease.ID).Logger()

	var carriedFailures []types.FailedRange
	if opts.Resume {
		if cp := lease.Metadata.Checkpoint; cp != nil && !cp.Last.IsZero() {
			carriedFailures = cp.FailedRanges
			if since.Before(cp.Last) && !cp.Last.Watermark.After(until) {
				since = cp.Last
				logger.Info().
					Time("watermark", since.Watermark).
					Str("id", since.ID).
					Msg("resuming from checkpoint boundary")
			}
		}
	}

	var total int64
	err = faults.Retry(ctx, "backfill.count", opts.Retry, func(ctx context.Context) error {
		var err error
		total, err = b.source.Count(ctx, opts.Table, since, &until)
		return err
	})
	if err != nil {
		return b.failed(ctx, opts.Table, lease, nil, err)
	}
	run := b.reporter.StartRun(opts.Table, total)
	logger.Info().
		Int64("pending_rows", total).
		Int("max_workers", opts.MaxWorkers).
		Msg("backfill started")

	var stream syncer.Stream
	err = faults.Retry(ctx, "backfill.open_stream", opts.Retry, func(ctx context.Context) error {
		var err error
		stream, err = b.source.OpenStream(ctx, opts.Table, since, &until, opts.BatchSize)
		return err
	})
	if err != nil {
		return b.failed(ctx, opts.Table, lease, run, err)
	}
	defer stream.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan *slice, 2*opts.MaxWorkers)
	events := make(chan ckptEvent, 2*opts.MaxWorkers)
	optimizer := NewMemoryOptimizer(opts.MaxMemoryMB, opts.BatchSize)

	// single checkpointer keeps the boundary monotonic under the pool's
	// out-of-order completions; it drains events even after a metadata
	// failure so workers never block on the channel
	ckpt := &checkpointer{
		failed: carriedFailures,
		save: func(boundary types.Position, delta types.RunCounters, cp *types.Checkpoint) error {
			return b.meta.Checkpoint(ctx, lease, boundary, delta, cp)
		},
		cancel:    cancel,
		batchSize: opts.BatchSize,
	}
	ckptDone := make(chan struct{})
	go func() {
		defer close(ckptDone)
		ckpt.drain(events)
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(work)
		return b.produce(gctx, stream, optimizer, work)
	})
	for w := 0; w < opts.MaxWorkers; w++ {
		g.Go(func() error {
			return b.work(gctx, opts, work, events, run, logger)
		})
	}

	err = g.Wait()
	close(events)
	<-ckptDone
	if err == nil {
		err = ckpt.err
	}
	if err != nil {
		return b.failed(ctx, opts.Table, lease, run, err)
	}

	counters := ckpt.counters
	counters.Total = total
	if err := b.meta.CommitRun(ctx, lease, ckpt.boundary, counters); err != nil {
		return b.failed(ctx, opts.Table, lease, run, err)
	}
	if n := len(ckpt.failed); n > 0 {
		logger.Warn().Int("failed_ranges", n).Msg("backfill completed with quarantined ranges")
	}
	return &Result{
		Table:        opts.Table,
		Status:       types.SyncStatusCompleted,
		Counters:     counters,
		FailedRanges: ckpt.failed,
		Summary:      run.Finish(types.SyncStatusCompleted, nil),
	}
}

// produce reads the ordered stream and re-cuts it into slices sized by
// the memory optimizer. The work channel's bound is the backpressure.
func (b *Backfiller) produce(ctx context.Context, stream syncer.Stream, optimizer *MemoryOptimizer, work chan<- *slice) error {
	var pending []*types.WorkOrder
	seq := 0
	for {
		batch, err := stream.FetchBatch(ctx)
		if err != nil {
			return err
		}
		drained := len(batch) == 0
		pending = append(pending, batch...)

		for len(pending) > 0 {
			size := optimizer.Next()
			if len(pending) < size && !drained {
				break
			}
			n := min(size, len(pending))
			rows := pending[:n:n]
			pending = append([]*types.WorkOrder(nil), pending[n:]...)
			seq++
			s := &slice{
				seq:  seq,
				rows: rows,
				from: types.PositionOf(rows[0]),
				to:   types.PositionOf(rows[n-1]),
			}
			select {
			case work <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if drained {
			return nil
		}
	}
}

// work consumes slices until the channel closes. A slice that exhausts
// its retries is quarantined as a failed range, not fatal to the pool.
func (b *Backfiller) work(ctx context.Context, opts Options, work <-chan *slice, events chan<- ckptEvent, run *progress.Run, logger zerolog.Logger) error {
	for s := range work {
		timer := metrics.NewTimer()
		var result types.UpsertResult
		err := faults.Retry(ctx, "backfill.batch", opts.Retry, func(ctx context.Context) error {
			var err error
			// floor stays zero: backfill legitimately rewrites rows below
			// the incremental watermark
			result, err = b.proc.ProcessBatch(ctx, opts.Table, s.rows, types.Position{})
			return err
		})
		timer.ObserveDurationVec(metrics.BatchDuration, opts.Table)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			logger.Error().
				Err(err).
				Int("slice", s.seq).
				Time("from", s.from.Watermark).
				Time("to", s.to.Watermark).
				Msg("slice quarantined after retries")
			metrics.BackfillBatchesTotal.WithLabelValues("failed").Inc()
			b.reporter.Observe(false)
			events <- ckptEvent{seq: s.seq, failed: &types.FailedRange{From: s.from, To: s.to, Error: err.Error()}}
			continue
		}
		metrics.BackfillBatchesTotal.WithLabelValues("ok").Inc()
		b.reporter.Observe(true)
		run.AddRows(result.Rows())
		events <- ckptEvent{
			seq:         s.seq,
			boundary:    s.to,
			rows:        int64(result.Rows()),
			quarantined: int64(result.Quarantined),
		}
	}
	return nil
}

func (b *Backfiller) dryRun(ctx context.Context, opts Options, since types.Position, until time.Time, logger zerolog.Logger) *Result {
	n, err := b.source.Count(ctx, opts.Table, since, &until)
	if err != nil {
		return &Result{Table: opts.Table, Status: types.SyncStatusFailed, Summary: failSummary(opts.Table, err), Err: err}
	}
	logger.Info().
		Int64("pending_rows", n).
		Time("start", opts.Start).
		Time("end", opts.End).
		Msg("dry run")
	return &Result{
		Table:    opts.Table,
		Status:   types.SyncStatusCompleted,
		Counters: types.RunCounters{Total: n},
		Summary:  fmt.Sprintf("table=%s status=dry_run pending=%d", opts.Table, n),
	}
}

func (b *Backfiller) failed(ctx context.Context, table string, lease *watermark.Lease, run *progress.Run, cause error) *Result {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.meta.AbortRun(abortCtx, lease, cause); err != nil {
		b.logger.Error().Str("table", table).Err(err).Msg("abort failed")
	}
	summary := failSummary(table, cause)
	if run != nil {
		summary = run.Finish(types.SyncStatusFailed, cause)
	}
	return &Result{Table: table, Status: types.SyncStatusFailed, Summary: summary, Err: cause}
}

func failSummary(table string, cause error) string {
	return fmt.Sprintf("table=%s status=failed error=%v", table, cause)
}

// checkpointer serializes boundary advancement. Only the draining
// goroutine touches its fields until the events channel closes.
type checkpointer struct {
	boundary  types.Position
	counters  types.RunCounters
	failed    []types.FailedRange
	err       error
	batchSize int

	next    int
	waiting map[int]ckptEvent

	save   func(types.Position, types.RunCounters, *types.Checkpoint) error
	cancel context.CancelFunc
}

// drain applies completions in producer order. Out-of-order completions
// wait in a buffer so the persisted boundary only ever covers a contiguous
// committed prefix; an interrupt can never skip a slice that was still in
// flight behind a faster worker. Quarantined slices count toward the prefix
// because their range is recorded in the checkpoint blob.
func (c *checkpointer) drain(events <-chan ckptEvent) {
	c.next = 1
	c.waiting = make(map[int]ckptEvent)
	for ev := range events {
		c.waiting[ev.seq] = ev

		var delta types.RunCounters
		applied := false
		for {
			ready, ok := c.waiting[c.next]
			if !ok {
				break
			}
			delete(c.waiting, c.next)
			c.next++
			applied = true
			if ready.failed != nil {
				c.failed = append(c.failed, *ready.failed)
			}
			if c.boundary.Before(ready.boundary) {
				c.boundary = ready.boundary
			}
			delta.Rows += ready.rows
			delta.Quarantined += ready.quarantined
		}
		if !applied {
			continue
		}
		c.counters.Rows += delta.Rows
		c.counters.Quarantined += delta.Quarantined
		if c.err != nil {
			continue
		}
		cp := &types.Checkpoint{Last: c.boundary, FailedRanges: c.failed, BatchSize: c.batchSize}
		if err := c.save(c.boundary, delta, cp); err != nil {
			c.err = err
			c.cancel()
		}
	}
}
