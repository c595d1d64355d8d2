package source

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalab/medsync/pkg/config"
	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/types"
)

var streamColumns = []string{
	"notification_id", "notified_at", "assigned_at", "closed_at",
	"category", "country", "eq_id", "fl_id", "mat_id", "serial_id",
	"trend_l1", "trend_l2", "trend_l3", "issue_type", "medium_text", "long_text",
}

func addOrder(rows *sqlmock.Rows, id string, notified time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, notified, nil, nil,
		"MRI", "DE", "EQ-1", "FL-1", "MAT-1", "SER-1",
		"T1", "T2", "T3", "breakdown", "coil fault", "coil fault on startup",
	)
}

func TestOpenStreamKeysetPredicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewReaderFromDB(db)

	since := types.Position{Watermark: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ID: "N-3"}
	rows := sqlmock.NewRows(streamColumns)
	addOrder(rows, "N-4", since.Watermark.Add(time.Hour))

	mock.ExpectQuery(`SELECT (.+) FROM notification_text WHERE \(notified_at > \? OR \(notified_at = \? AND notification_id > \?\)\) ORDER BY notified_at, notification_id`).
		WithArgs(since.Watermark, since.Watermark, since.ID).
		WillReturnRows(rows)

	st, err := r.OpenStream(context.Background(), "notification_text", since, nil, 100)
	require.NoError(t, err)
	defer st.Close()

	batch, err := st.FetchBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "N-4", batch[0].NotificationID)
	assert.Equal(t, "coil fault on startup", batch[0].LongText)
	assert.Nil(t, batch[0].AssignedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenStreamUpperBound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewReaderFromDB(db)

	until := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`AND notified_at <= \? ORDER BY`).
		WillReturnRows(sqlmock.NewRows(streamColumns))

	st, err := r.OpenStream(context.Background(), "notification_text", types.Position{}, &until, 10)
	require.NoError(t, err)
	defer st.Close()

	batch, err := st.FetchBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchBatchBoundsResidency(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewReaderFromDB(db)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(streamColumns)
	for i := 0; i < 5; i++ {
		addOrder(rows, string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
	}
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	st, err := r.OpenStream(context.Background(), "notification_text", types.Position{}, nil, 2)
	require.NoError(t, err)
	defer st.Close()

	var sizes []int
	for {
		batch, err := st.FetchBatch(context.Background())
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		sizes = append(sizes, len(batch))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestStreamCloseIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewReaderFromDB(db)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(streamColumns))
	st, err := r.OpenStream(context.Background(), "notification_text", types.Position{}, nil, 10)
	require.NoError(t, err)

	assert.NoError(t, st.Close())
	assert.NoError(t, st.Close())

	_, err = st.FetchBatch(context.Background())
	require.Error(t, err)
	assert.Equal(t, faults.Persistent, faults.KindOf(err))
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewReaderFromDB(db)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	assert.NoError(t, r.Ping(context.Background()))
}

func TestPingFailureIsPersistent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewReaderFromDB(db)

	mock.ExpectQuery("SELECT 1").WillReturnError(assert.AnError)
	err = r.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, faults.Persistent, faults.KindOf(err))
}

func TestCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewReaderFromDB(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM notification_text`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := r.Count(context.Background(), "notification_text", types.Position{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestOpenRejectsUnknownAuthenticator(t *testing.T) {
	_, err := Open(config.Source{
		Account:       "acct",
		User:          "etl",
		Warehouse:     "wh",
		Database:      "db",
		Schema:        "public",
		Authenticator: "kerberos",
	})
	require.Error(t, err)
	assert.Equal(t, faults.Persistent, faults.KindOf(err))
}

func TestOpenStreamRejectsBadBatchSize(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewReaderFromDB(db)

	_, err = r.OpenStream(context.Background(), "notification_text", types.Position{}, nil, 0)
	require.Error(t, err)
	assert.Equal(t, faults.Persistent, faults.KindOf(err))
}
