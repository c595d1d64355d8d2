package watermark

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
	"github.com/datalab/medsync/pkg/types"
)

// ErrMetadataConflict reports that another run holds the table's lease
var ErrMetadataConflict = faults.Sentinel(faults.Persistent, "watermark: metadata row is leased by another run")

// Store reads and advances per-table ETL metadata. It shares the sink's
// connection pool; advisory locks ride on a dedicated connection per lease
// so they survive exactly as long as the run.
type Store struct {
	pool   *pgxpool.Pool
	table  string // sanitized metadata table identifier
	logger zerolog.Logger
}

// NewStore wraps the shared sink pool. metadataTable is the configured
// watermark table name; empty falls back to etl_metadata.
func NewStore(pool *pgxpool.Pool, metadataTable string) *Store {
	if metadataTable == "" {
		metadataTable = "etl_metadata"
	}
	return &Store{
		pool:   pool,
		table:  pgx.Identifier{metadataTable}.Sanitize(),
		logger: log.WithComponent("watermark"),
	}
}

// lockKey derives the advisory lock key from the table name. FNV keeps the
// key stable across processes without a lookup table.
func lockKey(table string) int64 {
	h := fnv.New64a()
	h.Write([]byte(table))
	return int64(h.Sum64())
}

// Read returns the table's metadata row, creating it in pending state on
// first contact.
func (s *Store) Read(ctx context.Context, table string) (*types.TableMetadata, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (table_name, status, rows_processed, updated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (table_name) DO NOTHING`,
		table, types.SyncStatusPending,
	)
	if err != nil {
		return nil, faults.New(faults.KindOf(err), "watermark.read", err)
	}
	return s.fetch(ctx, s.pool, table)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) fetch(ctx context.Context, q rowQuerier, table string) (*types.TableMetadata, error) {
	var (
		md   types.TableMetadata
		errs *string
		blob []byte
	)
	err := q.QueryRow(ctx, `
		SELECT table_name, last_watermark, rows_processed, status, error_message,
		       checkpoint_blob, checkpoint_at, batch_size, total_records,
		       processed_records, updated_at
		FROM `+s.table+` WHERE table_name = $1`, table,
	).Scan(&md.TableName, &md.LastWatermark, &md.RowsProcessed, &md.Status, &errs,
		&blob, &md.CheckpointAt, &md.BatchSize, &md.TotalRecords,
		&md.ProcessedRecords, &md.UpdatedAt)
	if err != nil {
		return nil, faults.New(faults.KindOf(err), "watermark.read", err)
	}
	if errs != nil {
		md.ErrorMessage = *errs
	}
	if len(blob) > 0 {
		var cp types.Checkpoint
		if err := json.Unmarshal(blob, &cp); err != nil {
			return nil, faults.Errorf(faults.Data, "watermark.read", "corrupt checkpoint blob for %s: %v", table, err)
		}
		md.Checkpoint = &cp
	}
	return &md, nil
}

// Lease is the exclusive claim one run holds on a table. It pins the
// connection carrying the advisory lock until release.
type Lease struct {
	ID       string
	Table    string
	Metadata *types.TableMetadata

	conn *pgxpool.Conn
	done bool
}

// BeginRun acquires the table's advisory lock and marks the row
// in_progress. ErrMetadataConflict means another worker owns the table; the
// caller logs and moves on.
func (s *Store) BeginRun(ctx context.Context, table string) (*Lease, error) {
	if _, err := s.Read(ctx, table); err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, faults.New(faults.KindOf(err), "watermark.begin_run", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey(table)).Scan(&locked); err != nil {
		conn.Release()
		return nil, faults.New(faults.KindOf(err), "watermark.begin_run", err)
	}
	if !locked {
		conn.Release()
		return nil, ErrMetadataConflict
	}

	md, err := s.fetch(ctx, conn, table)
	if err != nil {
		s.unlock(conn, table)
		return nil, err
	}
	_, err = conn.Exec(ctx, `
		UPDATE `+s.table+`
		SET status = $2, error_message = NULL, processed_records = 0, updated_at = now()
		WHERE table_name = $1`,
		table, types.SyncStatusInProgress,
	)
	if err != nil {
		s.unlock(conn, table)
		return nil, faults.New(faults.KindOf(err), "watermark.begin_run", err)
	}

	lease := &Lease{ID: uuid.NewString(), Table: table, Metadata: md, conn: conn}
	s.logger.Info().Str("table", table).Str("run_id", lease.ID).Msg("run leased")
	return lease, nil
}

// Checkpoint persists in-run progress without ending the run. Counters are
// deltas since the previous checkpoint. The watermark column only moves
// forward: a replayed or out-of-order checkpoint can never rewind it.
func (s *Store) Checkpoint(ctx context.Context, lease *Lease, pos types.Position, counters types.RunCounters, cp *types.Checkpoint) error {
	if lease.done {
		return faults.Errorf(faults.Persistent, "watermark.checkpoint", "lease on %s already released", lease.Table)
	}
	var blob []byte
	if cp != nil {
		b, err := json.Marshal(cp)
		if err != nil {
			return faults.New(faults.Data, "watermark.checkpoint", err)
		}
		blob = b
	}
	_, err := lease.conn.Exec(ctx, `
		UPDATE `+s.table+` SET
			last_watermark    = GREATEST(COALESCE(last_watermark, 'epoch'::timestamptz), $2),
			rows_processed    = rows_processed + $3,
			processed_records = processed_records + $4,
			total_records     = GREATEST(total_records, $5),
			checkpoint_blob   = COALESCE($6, checkpoint_blob),
			checkpoint_at     = now(),
			updated_at        = now()
		WHERE table_name = $1`,
		lease.Table, pos.Watermark, counters.Rows, counters.Rows, counters.Total, blob,
	)
	if err != nil {
		return faults.New(faults.KindOf(err), "watermark.checkpoint", err)
	}
	metrics.WatermarkTimestamp.WithLabelValues(lease.Table).Set(float64(pos.Watermark.Unix()))
	return nil
}

// CommitRun marks the run completed at its final position and releases the
// lease.
func (s *Store) CommitRun(ctx context.Context, lease *Lease, final types.Position, counters types.RunCounters) error {
	if lease.done {
		return faults.Errorf(faults.Persistent, "watermark.commit_run", "lease on %s already released", lease.Table)
	}
	defer s.release(lease)

	watermark := any(final.Watermark)
	if final.IsZero() {
		watermark = nil // empty run leaves the committed watermark alone
	}
	_, err := lease.conn.Exec(ctx, `
		UPDATE `+s.table+` SET
			last_watermark = GREATEST(COALESCE(last_watermark, 'epoch'::timestamptz), COALESCE($2, last_watermark, 'epoch'::timestamptz)),
			status         = $3,
			error_message  = NULL,
			updated_at     = now()
		WHERE table_name = $1`,
		lease.Table, watermark, types.SyncStatusCompleted,
	)
	if err != nil {
		return faults.New(faults.KindOf(err), "watermark.commit_run", err)
	}
	if !final.IsZero() {
		metrics.WatermarkTimestamp.WithLabelValues(lease.Table).Set(float64(final.Watermark.Unix()))
	}
	s.logger.Info().
		Str("table", lease.Table).
		Str("run_id", lease.ID).
		Int64("rows", counters.Rows).
		Msg("run committed")
	return nil
}

// AbortRun records the failure and releases the lease. The committed
// watermark is left untouched so the next run resumes from the last
// checkpoint.
func (s *Store) AbortRun(ctx context.Context, lease *Lease, cause error) error {
	if lease.done {
		return nil
	}
	defer s.release(lease)

	msg := cause.Error()
	if len(msg) > 2048 {
		msg = msg[:2048]
	}
	_, err := lease.conn.Exec(ctx, `
		UPDATE `+s.table+` SET status = $2, error_message = $3, updated_at = now()
		WHERE table_name = $1`,
		lease.Table, types.SyncStatusFailed, msg,
	)
	if err != nil {
		return faults.New(faults.KindOf(err), "watermark.abort_run", err)
	}
	s.logger.Error().
		Str("table", lease.Table).
		Str("run_id", lease.ID).
		Str("cause", msg).
		Msg("run aborted")
	return nil
}

func (s *Store) release(lease *Lease) {
	lease.done = true
	s.unlock(lease.conn, lease.Table)
}

func (s *Store) unlock(conn *pgxpool.Conn, table string) {
	// best effort: the session dropping also drops the lock
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(table)); err != nil {
		s.logger.Warn().Str("table", table).Err(err).Msg("advisory unlock failed")
	}
	conn.Release()
}
