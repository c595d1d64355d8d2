package backfill

import (
	"runtime"
	"time"

	"github.com/datalab/medsync/pkg/metrics"
)

const (
	highWaterFraction = 0.8
	lowWaterFraction  = 0.3
	// lowWaterWindow is how long heap usage must stay under the low-water
	// mark before the slice size is allowed to grow again
	lowWaterWindow = 30 * time.Second
)

// MemoryOptimizer adapts the slice size handed to workers to heap
// pressure. Above the high-water mark the size halves; after a sustained
// stretch under the low-water mark it doubles back up, capped at the
// configured batch size.
type MemoryOptimizer struct {
	maxBytes uint64
	maxBatch int
	current  int
	lowSince time.Time

	now  func() time.Time
	heap func() uint64
}

// NewMemoryOptimizer starts at batchSize against a budget of maxMemoryMB.
func NewMemoryOptimizer(maxMemoryMB, batchSize int) *MemoryOptimizer {
	return &MemoryOptimizer{
		maxBytes: uint64(maxMemoryMB) << 20,
		maxBatch: batchSize,
		current:  batchSize,
		now:      time.Now,
		heap:     heapInUse,
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Next samples heap usage and returns the slice size for the next batch.
func (o *MemoryOptimizer) Next() int {
	used := float64(o.heap())
	budget := float64(o.maxBytes)
	switch {
	case used > highWaterFraction*budget:
		o.current = max(o.current/2, 1)
		o.lowSince = time.Time{}
	case used < lowWaterFraction*budget:
		now := o.now()
		if o.lowSince.IsZero() {
			o.lowSince = now
		} else if now.Sub(o.lowSince) >= lowWaterWindow && o.current < o.maxBatch {
			o.current = min(o.current*2, o.maxBatch)
			o.lowSince = now
		}
	default:
		o.lowSince = time.Time{}
	}
	metrics.BackfillBatchSize.Set(float64(o.current))
	return o.current
}
