package types

import (
	"time"
)

// EmbeddingDim is the fixed dimension of semantic embedding vectors.
const EmbeddingDim = 1536

// WorkOrder represents one medical work-order record ingested from the
// source warehouse into the sink
type WorkOrder struct {
	NotificationID string // stable source identity, unique per table
	NotifiedAt     time.Time
	AssignedAt     *time.Time
	ClosedAt       *time.Time

	Category    string
	Country     string
	EquipmentID string
	LocationID  string
	MaterialID  string
	SerialID    string
	TrendL1     string
	TrendL2     string
	TrendL3     string
	IssueType   string

	MediumText string // short summary
	LongText   string // free-text narrative

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Position identifies a row in the total (watermark, identity) order.
// Two rows may share a watermark; the identity tie-break makes pagination
// and watermark advancement deterministic.
type Position struct {
	Watermark time.Time `json:"watermark"`
	ID        string    `json:"id"`
}

// IsZero reports whether the position is unset
func (p Position) IsZero() bool {
	return p.Watermark.IsZero() && p.ID == ""
}

// Before reports whether p orders strictly before q
func (p Position) Before(q Position) bool {
	if p.Watermark.Before(q.Watermark) {
		return true
	}
	if p.Watermark.After(q.Watermark) {
		return false
	}
	return p.ID < q.ID
}

// PositionOf returns the row's place in the total order
func PositionOf(w *WorkOrder) Position {
	return Position{Watermark: w.NotifiedAt, ID: w.NotificationID}
}

// Extraction is the structured result of AI extraction for one work order
type Extraction struct {
	NotificationID string
	Keywords       []string
	PrimarySymptom string
	RootCause      string
	Summary        string
	Solution       string
	SolutionType   string
	Components     []string
	Processes      []string
	MainComponent  string
	MainProcess    string
	Confidence     float64 // in [0, 1]
	ModelVersion   string
	ExtractedAt    time.Time
}

// EmbeddingRecord holds one semantic embedding for a work order
type EmbeddingRecord struct {
	NotificationID string
	SourceText     string // post-scrub text the vector was produced from
	Vector         []float32
	ModelVersion   string
	CreatedAt      time.Time
}

// SyncStatus represents the state of a table's sync run
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusInProgress SyncStatus = "in_progress"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
)

// TableMetadata is the per-table ETL metadata row, the single source of
// recovery truth
type TableMetadata struct {
	TableName        string
	LastWatermark    *time.Time
	RowsProcessed    int64
	Status           SyncStatus
	ErrorMessage     string
	Checkpoint       *Checkpoint
	CheckpointAt     *time.Time
	BatchSize        int
	TotalRecords     int64
	ProcessedRecords int64
	UpdatedAt        time.Time
}

// SincePosition returns the position the next run must resume after: the
// later of the committed watermark and the checkpoint boundary. The
// checkpoint carries the identity tie-break for rows sharing the committed
// watermark; a checkpoint left behind by a historical backfill sits below
// the watermark and must not drag the resume point backwards.
func (m *TableMetadata) SincePosition() Position {
	var pos Position
	if m.LastWatermark != nil {
		pos = Position{Watermark: *m.LastWatermark}
	}
	if m.Checkpoint != nil && pos.Before(m.Checkpoint.Last) {
		pos = m.Checkpoint.Last
	}
	return pos
}

// Checkpoint is the typed in-progress marker persisted in the metadata row.
// The column stays opaque at the sink; this is its in-memory shape.
type Checkpoint struct {
	Last         Position      `json:"last"`
	FailedRanges []FailedRange `json:"failed_ranges,omitempty"`
	BatchSize    int           `json:"batch_size_in_effect,omitempty"`
}

// FailedRange records a backfill batch that exhausted its retries. The
// operator re-runs the tool over a narrowed range to retry it.
type FailedRange struct {
	From  Position `json:"from"`
	To    Position `json:"to"`
	Error string   `json:"error"`
}

// UpsertResult summarizes one batch upsert
type UpsertResult struct {
	Inserted    int
	Updated     int
	Quarantined int
	Skipped     int // rows dropped by the defensive watermark filter
}

// Add accumulates another result into r
func (r *UpsertResult) Add(o UpsertResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Quarantined += o.Quarantined
	r.Skipped += o.Skipped
}

// Rows returns the number of rows committed to the sink
func (r UpsertResult) Rows() int {
	return r.Inserted + r.Updated
}

// DeadLetter is one quarantined row with enough context to replay it
type DeadLetter struct {
	TableName      string
	NotificationID string
	SinkCode       string // SQLSTATE from the sink
	Reason         string
	Payload        []byte // original row serialized as JSON
	QuarantinedAt  time.Time
}

// RunCounters aggregates per-run progress persisted with checkpoints
type RunCounters struct {
	Rows        int64 // rows committed to the sink this run
	Quarantined int64
	Total       int64 // total expected, when known (backfill)
}
