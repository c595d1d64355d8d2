package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/datalab/medsync/pkg/config"
	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
	"github.com/datalab/medsync/pkg/types"
)

// querier is the subset of pgx satisfied by both a pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer owns the sink connection pool and performs all mutations: work
// order upserts, extraction rows, dead letters. Safe for concurrent use.
type Writer struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects the pool and verifies it with a round trip
func New(ctx context.Context, cfg config.Sink) (*Writer, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, faults.New(faults.Persistent, "sink.new", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, faults.New(faults.Persistent, "sink.new", err)
	}
	return NewFromPool(pool), nil
}

// NewFromPool wraps an existing pool without probing it
func NewFromPool(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool, logger: log.WithComponent("sink")}
}

// Pool exposes the underlying pool for the metadata store, which shares it
func (w *Writer) Pool() *pgxpool.Pool {
	return w.pool
}

// Ping is the pre-run smoke test on the sink side
func (w *Writer) Ping(ctx context.Context) error {
	if err := w.pool.Ping(ctx); err != nil {
		return faults.New(faults.Persistent, "sink.ping", err)
	}
	return nil
}

// Close drains the pool
func (w *Writer) Close() {
	w.pool.Close()
}

const upsertSQL = `INSERT INTO %s (
	id, notified_at, assigned_at, closed_at, category, country,
	eq_id, fl_id, mat_id, serial_id, trend_l1, trend_l2, trend_l3,
	issue_type, medium_text, long_text, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now(),now())
ON CONFLICT (id) DO UPDATE SET
	notified_at = EXCLUDED.notified_at,
	assigned_at = EXCLUDED.assigned_at,
	closed_at   = EXCLUDED.closed_at,
	category    = EXCLUDED.category,
	country     = EXCLUDED.country,
	eq_id       = EXCLUDED.eq_id,
	fl_id       = EXCLUDED.fl_id,
	mat_id      = EXCLUDED.mat_id,
	serial_id   = EXCLUDED.serial_id,
	trend_l1    = EXCLUDED.trend_l1,
	trend_l2    = EXCLUDED.trend_l2,
	trend_l3    = EXCLUDED.trend_l3,
	issue_type  = EXCLUDED.issue_type,
	medium_text = EXCLUDED.medium_text,
	long_text   = EXCLUDED.long_text,
	updated_at  = now()
RETURNING (xmax = 0)`

// UpsertBatch writes the batch in one transaction. Rows at or below the
// floor position are dropped before the write, which makes replays after a
// checkpoint harmless even when source clocks wobble. A constraint failure
// triggers bisection: the good halves commit, the poison rows land in the
// dead-letter table, and the batch as a whole still succeeds.
func (w *Writer) UpsertBatch(ctx context.Context, table string, rows []*types.WorkOrder, floor types.Position) (types.UpsertResult, error) {
	kept, skipped := filterByFloor(rows, floor)
	result := types.UpsertResult{Skipped: skipped}
	if len(kept) == 0 {
		return result, nil
	}

	timer := metrics.NewTimer()
	err := bisect(ctx, kept,
		func(ctx context.Context, part []*types.WorkOrder) error {
			r, err := w.upsertTx(ctx, table, part)
			if err != nil {
				return err
			}
			result.Add(r)
			return nil
		},
		func(ctx context.Context, row *types.WorkOrder, cause error) error {
			if err := w.quarantine(ctx, table, row, cause); err != nil {
				return err
			}
			result.Quarantined++
			return nil
		},
	)
	if err != nil {
		return result, err
	}

	timer.ObserveDurationVec(metrics.BatchDuration, table)
	metrics.RowsUpserted.WithLabelValues(table).Add(float64(result.Inserted + result.Updated))
	if result.Quarantined > 0 {
		metrics.RowsQuarantined.WithLabelValues(table).Add(float64(result.Quarantined))
	}
	return result, nil
}

// upsertTx writes one slice of rows atomically
func (w *Writer) upsertTx(ctx context.Context, table string, rows []*types.WorkOrder) (types.UpsertResult, error) {
	var result types.UpsertResult

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return result, faults.New(classify(err), "sink.upsert", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(upsertSQL, table)
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(stmt,
			row.NotificationID, row.NotifiedAt, row.AssignedAt, row.ClosedAt,
			row.Category, row.Country, row.EquipmentID, row.LocationID,
			row.MaterialID, row.SerialID, row.TrendL1, row.TrendL2, row.TrendL3,
			row.IssueType, row.MediumText, row.LongText,
		)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted, updated int
	for range rows {
		var fresh bool
		if err := br.QueryRow().Scan(&fresh); err != nil {
			br.Close()
			return types.UpsertResult{}, faults.New(classify(err), "sink.upsert", err)
		}
		if fresh {
			inserted++
		} else {
			updated++
		}
	}
	if err := br.Close(); err != nil {
		return types.UpsertResult{}, faults.New(classify(err), "sink.upsert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return types.UpsertResult{}, faults.New(classify(err), "sink.upsert", err)
	}

	result.Inserted = inserted
	result.Updated = updated
	return result, nil
}

// quarantine records a poison row in the dead-letter table with enough
// context to replay it by hand
func (w *Writer) quarantine(ctx context.Context, table string, row *types.WorkOrder, cause error) error {
	payload, err := json.Marshal(row)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"id":%q}`, row.NotificationID))
	}
	_, err = w.pool.Exec(ctx, `
		INSERT INTO etl_dead_letter (table_name, notification_id, payload, sink_code, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		table, row.NotificationID, payload, sqlState(cause), cause.Error(),
	)
	if err != nil {
		return faults.New(classify(err), "sink.quarantine", err)
	}
	w.logger.Warn().
		Str("table", table).
		Str("id", row.NotificationID).
		Str("sink_code", sqlState(cause)).
		Msg("row quarantined to dead letter")
	return nil
}

const extractionSQL = `INSERT INTO ai_extracted (
	notification_id, keywords, primary_symptom, root_cause, summary,
	solution, solution_type, components, processes, main_component,
	main_process, confidence, model_version, extracted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (notification_id, model_version) DO UPDATE SET
	keywords        = EXCLUDED.keywords,
	primary_symptom = EXCLUDED.primary_symptom,
	root_cause      = EXCLUDED.root_cause,
	summary         = EXCLUDED.summary,
	solution        = EXCLUDED.solution,
	solution_type   = EXCLUDED.solution_type,
	components      = EXCLUDED.components,
	processes       = EXCLUDED.processes,
	main_component  = EXCLUDED.main_component,
	main_process    = EXCLUDED.main_process,
	confidence      = EXCLUDED.confidence,
	extracted_at    = EXCLUDED.extracted_at`

// UpsertExtractions writes extraction rows with replace-by-version
// semantics: one current row per work order per model version.
func (w *Writer) UpsertExtractions(ctx context.Context, extractions []*types.Extraction) error {
	if len(extractions) == 0 {
		return nil
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return faults.New(classify(err), "sink.upsert_extractions", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range extractions {
		keywords, _ := json.Marshal(e.Keywords)
		components, _ := json.Marshal(e.Components)
		processes, _ := json.Marshal(e.Processes)
		extractedAt := e.ExtractedAt
		if extractedAt.IsZero() {
			extractedAt = time.Now().UTC()
		}
		batch.Queue(extractionSQL,
			e.NotificationID, keywords, e.PrimarySymptom, e.RootCause, e.Summary,
			e.Solution, e.SolutionType, components, processes, e.MainComponent,
			e.MainProcess, e.Confidence, e.ModelVersion, extractedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return faults.New(classify(err), "sink.upsert_extractions", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return faults.New(classify(err), "sink.upsert_extractions", err)
	}
	return nil
}

// filterByFloor drops rows at or below the committed position. Row order
// is preserved for the kept slice.
func filterByFloor(rows []*types.WorkOrder, floor types.Position) ([]*types.WorkOrder, int) {
	if floor.IsZero() {
		return rows, 0
	}
	kept := rows[:0:0]
	skipped := 0
	for _, row := range rows {
		if floor.Before(types.PositionOf(row)) {
			kept = append(kept, row)
		} else {
			skipped++
		}
	}
	return kept, skipped
}

// bisect commits as much of the slice as possible. try runs a sub-slice
// atomically; on a data error the slice is split and each half retried,
// down to single rows, which are handed to quarantine. Any non-data error
// aborts the whole operation.
func bisect(ctx context.Context, rows []*types.WorkOrder,
	try func(context.Context, []*types.WorkOrder) error,
	quarantine func(context.Context, *types.WorkOrder, error) error,
) error {
	if len(rows) == 0 {
		return nil
	}
	err := try(ctx, rows)
	if err == nil {
		return nil
	}
	if faults.KindOf(err) != faults.Data {
		return err
	}
	if len(rows) == 1 {
		return quarantine(ctx, rows[0], err)
	}
	mid := len(rows) / 2
	if err := bisect(ctx, rows[:mid], try, quarantine); err != nil {
		return err
	}
	return bisect(ctx, rows[mid:], try, quarantine)
}
