package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	sf "github.com/snowflakedb/gosnowflake"

	"github.com/datalab/medsync/pkg/config"
	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
	"github.com/datalab/medsync/pkg/types"
)

// orderColumns is the projection every stream reads, in scan order.
const orderColumns = `notification_id, notified_at, assigned_at, closed_at,
	category, country, eq_id, fl_id, mat_id, serial_id,
	trend_l1, trend_l2, trend_l3, issue_type, medium_text, long_text`

// Reader issues keyset-paginated queries against the warehouse. One Reader
// is shared per process; each sync run owns its own Stream.
type Reader struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// Open builds a warehouse connection from the configured account and
// authentication variant. The connection is lazy; call Ping to verify it.
func Open(cfg config.Source) (*Reader, error) {
	sc := sf.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Warehouse: cfg.Warehouse,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Role:      cfg.Role,
	}
	switch cfg.Authenticator {
	case config.AuthPassword:
		sc.Authenticator = sf.AuthTypeSnowflake
		sc.Password = cfg.Password
	case config.AuthExternalBrowser:
		sc.Authenticator = sf.AuthTypeExternalBrowser
	case config.AuthOAuth:
		sc.Authenticator = sf.AuthTypeOAuth
		sc.Token = cfg.Token
	default:
		return nil, faults.Errorf(faults.Persistent, "source.open", "unknown authenticator %q", cfg.Authenticator)
	}

	dsn, err := sf.DSN(&sc)
	if err != nil {
		return nil, faults.New(faults.Persistent, "source.open", err)
	}
	db, err := sqlx.Open("snowflake", dsn)
	if err != nil {
		return nil, faults.New(faults.Persistent, "source.open", err)
	}
	return newReader(db), nil
}

// NewReaderFromDB wraps an existing handle. Used by tests and by callers
// that manage the connection themselves.
func NewReaderFromDB(db *sql.DB) *Reader {
	return newReader(sqlx.NewDb(db, "snowflake"))
}

func newReader(db *sqlx.DB) *Reader {
	return &Reader{db: db, logger: log.WithComponent("source")}
}

// Ping runs the pre-run smoke test. A warehouse that cannot answer
// SELECT 1 fails the run before any work is queued.
func (r *Reader) Ping(ctx context.Context) error {
	var one int
	if err := r.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return faults.New(faults.Persistent, "source.ping", err)
	}
	return nil
}

// Close releases the underlying pool
func (r *Reader) Close() error {
	return r.db.Close()
}

// OpenStream opens a cursor over all rows strictly after the given position
// in (watermark, identity) order. A non-nil until bounds the scan on the
// watermark column inclusively, which is how backfill restricts to a date
// range. The stream is owned by exactly one goroutine.
func (r *Reader) OpenStream(ctx context.Context, table string, since types.Position, until *time.Time, batchSize int) (*Stream, error) {
	if batchSize < 1 {
		return nil, faults.Errorf(faults.Persistent, "source.open_stream", "batch size %d", batchSize)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", orderColumns, table)
	args := []any{}
	b.WriteString(" WHERE (notified_at > ? OR (notified_at = ? AND notification_id > ?))")
	args = append(args, since.Watermark, since.Watermark, since.ID)
	if until != nil {
		b.WriteString(" AND notified_at <= ?")
		args = append(args, *until)
	}
	b.WriteString(" ORDER BY notified_at, notification_id")

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, faults.New(faults.KindOf(err), "source.open_stream", err)
	}
	r.logger.Debug().
		Str("table", table).
		Time("since", since.Watermark).
		Str("since_id", since.ID).
		Int("batch_size", batchSize).
		Msg("stream opened")
	return &Stream{table: table, rows: rows, batchSize: batchSize}, nil
}

// Count returns the number of rows the equivalent stream would deliver.
// Backfill uses it for partition sizing and dry runs use it for reporting.
func (r *Reader) Count(ctx context.Context, table string, since types.Position, until *time.Time) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s", table)
	args := []any{}
	b.WriteString(" WHERE (notified_at > ? OR (notified_at = ? AND notification_id > ?))")
	args = append(args, since.Watermark, since.Watermark, since.ID)
	if until != nil {
		b.WriteString(" AND notified_at <= ?")
		args = append(args, *until)
	}

	var n int64
	if err := r.db.GetContext(ctx, &n, b.String(), args...); err != nil {
		return 0, faults.New(faults.KindOf(err), "source.count", err)
	}
	return n, nil
}

// Stream is a forward-only cursor over one table. Not safe for concurrent
// use; the opening run owns it until Close.
type Stream struct {
	table     string
	rows      *sql.Rows
	batchSize int
	closed    bool
}

// FetchBatch reads up to batchSize rows. An empty batch with a nil error
// means the cursor is exhausted.
func (s *Stream) FetchBatch(ctx context.Context) ([]*types.WorkOrder, error) {
	if s.closed {
		return nil, faults.Errorf(faults.Persistent, "source.fetch_batch", "stream on %s is closed", s.table)
	}

	batch := make([]*types.WorkOrder, 0, s.batchSize)
	for len(batch) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, faults.New(faults.KindOf(err), "source.fetch_batch", err)
		}
		if !s.rows.Next() {
			break
		}
		wo, err := scanWorkOrder(s.rows)
		if err != nil {
			return nil, faults.New(faults.Data, "source.fetch_batch", err)
		}
		batch = append(batch, wo)
	}
	if err := s.rows.Err(); err != nil {
		return nil, faults.New(faults.KindOf(err), "source.fetch_batch", err)
	}
	if len(batch) > 0 {
		metrics.RowsExtracted.WithLabelValues(s.table).Add(float64(len(batch)))
	}
	return batch, nil
}

// Close releases the cursor; safe to call more than once
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rows.Close()
}

func scanWorkOrder(rows *sql.Rows) (*types.WorkOrder, error) {
	var (
		wo       types.WorkOrder
		assigned sql.NullTime
		closed   sql.NullTime
		str      [12]sql.NullString
	)
	if err := rows.Scan(
		&wo.NotificationID, &wo.NotifiedAt, &assigned, &closed,
		&str[0], &str[1], &str[2], &str[3], &str[4], &str[5],
		&str[6], &str[7], &str[8], &str[9], &str[10], &str[11],
	); err != nil {
		return nil, err
	}
	if assigned.Valid {
		t := assigned.Time
		wo.AssignedAt = &t
	}
	if closed.Valid {
		t := closed.Time
		wo.ClosedAt = &t
	}
	wo.Category = str[0].String
	wo.Country = str[1].String
	wo.EquipmentID = str[2].String
	wo.LocationID = str[3].String
	wo.MaterialID = str[4].String
	wo.SerialID = str[5].String
	wo.TrendL1 = str[6].String
	wo.TrendL2 = str[7].String
	wo.TrendL3 = str[8].String
	wo.IssueType = str[9].String
	wo.MediumText = str[10].String
	wo.LongText = str[11].String
	return &wo, nil
}
