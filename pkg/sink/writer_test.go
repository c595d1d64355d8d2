package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/types"
)

func order(id string, notified time.Time) *types.WorkOrder {
	return &types.WorkOrder{NotificationID: id, NotifiedAt: notified}
}

func TestFilterByFloor(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []*types.WorkOrder{
		order("a", base),
		order("b", base),                   // same watermark, id above floor
		order("c", base.Add(-time.Minute)), // behind the watermark
		order("d", base.Add(time.Minute)),
	}

	kept, skipped := filterByFloor(rows, types.Position{Watermark: base, ID: "a"})
	assert.Equal(t, 2, skipped)
	require.Len(t, kept, 2)
	assert.Equal(t, "b", kept[0].NotificationID)
	assert.Equal(t, "d", kept[1].NotificationID)
}

func TestFilterByFloorZeroKeepsAll(t *testing.T) {
	rows := []*types.WorkOrder{order("a", time.Now()), order("b", time.Now())}
	kept, skipped := filterByFloor(rows, types.Position{})
	assert.Equal(t, 0, skipped)
	assert.Len(t, kept, 2)
}

func TestBisectIsolatesPoisonRow(t *testing.T) {
	base := time.Now()
	rows := []*types.WorkOrder{
		order("a", base), order("b", base), order("poison", base),
		order("d", base), order("e", base),
	}

	var committed, quarantined []string
	try := func(_ context.Context, part []*types.WorkOrder) error {
		for _, r := range part {
			if r.NotificationID == "poison" {
				return faults.Errorf(faults.Data, "sink.upsert", "null value in column")
			}
		}
		for _, r := range part {
			committed = append(committed, r.NotificationID)
		}
		return nil
	}
	quarantine := func(_ context.Context, row *types.WorkOrder, cause error) error {
		require.Error(t, cause)
		quarantined = append(quarantined, row.NotificationID)
		return nil
	}

	err := bisect(context.Background(), rows, try, quarantine)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "d", "e"}, committed)
	assert.Equal(t, []string{"poison"}, quarantined)
}

func TestBisectAllPoison(t *testing.T) {
	rows := []*types.WorkOrder{order("x", time.Now()), order("y", time.Now())}
	var quarantined []string
	try := func(_ context.Context, _ []*types.WorkOrder) error {
		return faults.Errorf(faults.Data, "sink.upsert", "constraint")
	}
	quarantine := func(_ context.Context, row *types.WorkOrder, _ error) error {
		quarantined = append(quarantined, row.NotificationID)
		return nil
	}

	require.NoError(t, bisect(context.Background(), rows, try, quarantine))
	assert.Equal(t, []string{"x", "y"}, quarantined)
}

func TestBisectAbortsOnTransient(t *testing.T) {
	rows := []*types.WorkOrder{order("a", time.Now()), order("b", time.Now())}
	calls := 0
	try := func(_ context.Context, _ []*types.WorkOrder) error {
		calls++
		return faults.Errorf(faults.Transient, "sink.upsert", "connection reset")
	}
	quarantine := func(_ context.Context, _ *types.WorkOrder, _ error) error {
		t.Fatal("transient errors must not quarantine rows")
		return nil
	}

	err := bisect(context.Background(), rows, try, quarantine)
	require.Error(t, err)
	assert.Equal(t, faults.Transient, faults.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		code string
		want faults.Kind
	}{
		{"not null violation", "23502", faults.Data},
		{"foreign key violation", "23503", faults.Data},
		{"unique violation", "23505", faults.Data},
		{"serialization failure", "40001", faults.Transient},
		{"deadlock", "40P01", faults.Transient},
		{"connection failure", "08006", faults.Transient},
		{"query cancelled", "57014", faults.Transient},
		{"too many connections", "53300", faults.Transient},
		{"invalid password", "28P01", faults.Persistent},
		{"undefined column", "42703", faults.Persistent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &pgconn.PgError{Code: tt.code, Message: tt.name}
			assert.Equal(t, tt.want, classify(err))
			assert.Equal(t, tt.code, sqlState(err))
		})
	}
}

func TestClassifyPlainError(t *testing.T) {
	err := errors.New("dial tcp: connection refused")
	assert.Equal(t, faults.Transient, classify(err))
	assert.Equal(t, "", sqlState(err))
}
