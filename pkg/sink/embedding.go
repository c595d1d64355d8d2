package sink

import (
	"context"
	"encoding/binary"
	"math"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/types"
)

// EmbeddingStore abstracts over how the sink persists vectors. The native
// implementation uses the vector extension; the fallback serializes to
// bytes and searches client-side. Callers never see the difference.
type EmbeddingStore interface {
	Put(ctx context.Context, rec *types.EmbeddingRecord) error
	Get(ctx context.Context, notificationID string) (*types.EmbeddingRecord, error)
	ANNSearch(ctx context.Context, query []float32, k int) ([]string, error)
}

// ErrNotFound reports a missing embedding row
var ErrNotFound = faults.Sentinel(faults.Data, "sink: embedding not found")

// ProbeEmbeddingStore selects the store implementation once at startup by
// checking whether the vector extension is installed.
func ProbeEmbeddingStore(ctx context.Context, w *Writer) (EmbeddingStore, error) {
	var hasVector bool
	err := w.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')`,
	).Scan(&hasVector)
	if err != nil {
		return nil, faults.New(classify(err), "sink.probe", err)
	}
	logger := log.WithComponent("sink")
	if hasVector {
		logger.Info().Msg("vector extension present, using native embedding storage")
		return &vectorStore{db: w.pool}, nil
	}
	logger.Warn().Msg("vector extension missing, falling back to byte embedding storage")
	return &byteStore{db: w.pool}, nil
}

func validateDim(vec []float32) error {
	if len(vec) != types.EmbeddingDim {
		return faults.Errorf(faults.Data, "sink.embedding", "vector dimension %d, want %d", len(vec), types.EmbeddingDim)
	}
	return nil
}

// vectorStore writes to a VECTOR(1536) column and searches with the
// extension's cosine operator
type vectorStore struct {
	db querier
}

func (s *vectorStore) Put(ctx context.Context, rec *types.EmbeddingRecord) error {
	if err := validateDim(rec.Vector); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO embedding (notification_id, source_text, vector, model_version, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (notification_id) DO UPDATE SET
			source_text   = EXCLUDED.source_text,
			vector        = EXCLUDED.vector,
			model_version = EXCLUDED.model_version,
			created_at    = now()`,
		rec.NotificationID, rec.SourceText, pgvector.NewVector(rec.Vector), rec.ModelVersion,
	)
	if err != nil {
		return faults.New(classify(err), "sink.embedding.put", err)
	}
	return nil
}

func (s *vectorStore) Get(ctx context.Context, notificationID string) (*types.EmbeddingRecord, error) {
	var (
		rec types.EmbeddingRecord
		vec pgvector.Vector
	)
	err := s.db.QueryRow(ctx, `
		SELECT notification_id, source_text, vector, model_version, created_at
		FROM embedding WHERE notification_id = $1`, notificationID,
	).Scan(&rec.NotificationID, &rec.SourceText, &vec, &rec.ModelVersion, &rec.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.New(classify(err), "sink.embedding.get", err)
	}
	rec.Vector = vec.Slice()
	return &rec, nil
}

func (s *vectorStore) ANNSearch(ctx context.Context, query []float32, k int) ([]string, error) {
	if err := validateDim(query); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT notification_id FROM embedding
		ORDER BY vector <=> $1 LIMIT $2`,
		pgvector.NewVector(query), k,
	)
	if err != nil {
		return nil, faults.New(classify(err), "sink.embedding.search", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, faults.New(classify(err), "sink.embedding.search", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.New(classify(err), "sink.embedding.search", err)
	}
	return ids, nil
}

// byteStore serializes vectors to little-endian bytes in a BYTEA column.
// Similarity search degrades to a client-side scan, which is acceptable for
// the advisory use the pipeline makes of it.
type byteStore struct {
	db querier
}

func (s *byteStore) Put(ctx context.Context, rec *types.EmbeddingRecord) error {
	if err := validateDim(rec.Vector); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO embedding (notification_id, source_text, vector, model_version, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (notification_id) DO UPDATE SET
			source_text   = EXCLUDED.source_text,
			vector        = EXCLUDED.vector,
			model_version = EXCLUDED.model_version,
			created_at    = now()`,
		rec.NotificationID, rec.SourceText, encodeVector(rec.Vector), rec.ModelVersion,
	)
	if err != nil {
		return faults.New(classify(err), "sink.embedding.put", err)
	}
	return nil
}

func (s *byteStore) Get(ctx context.Context, notificationID string) (*types.EmbeddingRecord, error) {
	var (
		rec types.EmbeddingRecord
		raw []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT notification_id, source_text, vector, model_version, created_at
		FROM embedding WHERE notification_id = $1`, notificationID,
	).Scan(&rec.NotificationID, &rec.SourceText, &raw, &rec.ModelVersion, &rec.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.New(classify(err), "sink.embedding.get", err)
	}
	vec, err := decodeVector(raw)
	if err != nil {
		return nil, err
	}
	rec.Vector = vec
	return &rec, nil
}

func (s *byteStore) ANNSearch(ctx context.Context, query []float32, k int) ([]string, error) {
	if err := validateDim(query); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `SELECT notification_id, vector FROM embedding`)
	if err != nil {
		return nil, faults.New(classify(err), "sink.embedding.search", err)
	}
	defer rows.Close()

	type scored struct {
		id  string
		sim float64
	}
	var all []scored
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, faults.New(classify(err), "sink.embedding.search", err)
		}
		vec, err := decodeVector(raw)
		if err != nil {
			continue // a malformed stored vector never sinks the search
		}
		all = append(all, scored{id: id, sim: cosine(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, faults.New(classify(err), "sink.embedding.search", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].sim > all[j].sim })
	if k > len(all) {
		k = len(all)
	}
	ids := make([]string, 0, k)
	for _, s := range all[:k] {
		ids = append(ids, s.id)
	}
	return ids, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, faults.Errorf(faults.Data, "sink.embedding", "byte vector length %d not a multiple of 4", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
