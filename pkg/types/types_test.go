package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ts(h int) time.Time {
	return time.Date(2024, 3, 1, h, 0, 0, 0, time.UTC)
}

// TestSincePosition verifies the resume point is the later of the committed
// watermark and the checkpoint boundary
func TestSincePosition(t *testing.T) {
	w := ts(12)

	tests := []struct {
		name string
		md   TableMetadata
		want Position
	}{
		{
			name: "cold start",
			md:   TableMetadata{},
			want: Position{},
		},
		{
			name: "watermark only",
			md:   TableMetadata{LastWatermark: &w},
			want: Position{Watermark: w},
		},
		{
			name: "checkpoint carries identity at the watermark",
			md: TableMetadata{
				LastWatermark: &w,
				Checkpoint:    &Checkpoint{Last: Position{Watermark: w, ID: "N-7"}},
			},
			want: Position{Watermark: w, ID: "N-7"},
		},
		{
			name: "checkpoint ahead of a stale watermark",
			md: TableMetadata{
				LastWatermark: &w,
				Checkpoint:    &Checkpoint{Last: Position{Watermark: ts(15), ID: "N-9"}},
			},
			want: Position{Watermark: ts(15), ID: "N-9"},
		},
		{
			name: "completed backfill checkpoint below the watermark",
			md: TableMetadata{
				LastWatermark: &w,
				Checkpoint:    &Checkpoint{Last: Position{Watermark: ts(3), ID: "N-2"}},
			},
			want: Position{Watermark: w},
		},
		{
			name: "checkpoint without a watermark",
			md: TableMetadata{
				Checkpoint: &Checkpoint{Last: Position{Watermark: ts(5), ID: "N-1"}},
			},
			want: Position{Watermark: ts(5), ID: "N-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.md.SincePosition())
		})
	}
}

// TestPositionOrder verifies the identity tie-break inside a shared watermark
func TestPositionOrder(t *testing.T) {
	a := Position{Watermark: ts(1), ID: "N-1"}
	b := Position{Watermark: ts(1), ID: "N-2"}
	c := Position{Watermark: ts(2), ID: "N-1"}

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.False(t, b.Before(a))
	assert.False(t, a.Before(a))

	assert.True(t, Position{}.IsZero())
	assert.False(t, a.IsZero())
	assert.True(t, Position{}.Before(a), "zero identity orders before any row")
}
