package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datalab/medsync/pkg/config"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	dryRun     = flag.Bool("dry-run", false, "Print the DDL without applying it")
	withVector = flag.Bool("with-vector", true, "Install pgvector and use a native vector column when available")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Medsync Schema Bootstrap")
	log.Println("========================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Sink.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to sink: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Sink connection test failed: %v", err)
	}
	log.Printf("Sink: %s:%d/%s", cfg.Sink.Host, cfg.Sink.Port, cfg.Sink.Database)
	log.Printf("Dry run: %v", *dryRun)

	hasVector := false
	if *withVector {
		hasVector = probeVector(ctx, pool)
	}
	if hasVector {
		log.Println("✓ pgvector available - using vector(1536) with an ANN index")
	} else {
		log.Println("pgvector unavailable - falling back to BYTEA storage")
	}

	for _, stmt := range schema(hasVector, cfg.ETL.WatermarkTable) {
		if *dryRun {
			fmt.Println(stmt + ";")
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			log.Fatalf("DDL failed: %v\nStatement: %s", err, stmt)
		}
	}

	if !*dryRun && hasVector {
		createVectorIndex(ctx, pool)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to apply the schema.")
	} else {
		log.Println("\n✓ Schema bootstrap completed successfully!")
	}
}

// probeVector tries to install pgvector; managed databases without the
// extension simply fall back to byte storage
func probeVector(ctx context.Context, pool *pgxpool.Pool) bool {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		log.Printf("CREATE EXTENSION vector failed: %v", err)
		return false
	}
	var ok bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')`,
	).Scan(&ok)
	return err == nil && ok
}

// createVectorIndex prefers HNSW and falls back to IVFFlat on servers
// whose pgvector predates it
func createVectorIndex(ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_embedding_vector_hnsw
		ON embedding USING hnsw (vector vector_cosine_ops)`)
	if err == nil {
		log.Println("✓ HNSW index on embedding.vector")
		return
	}
	log.Printf("HNSW unavailable (%v), trying IVFFlat", err)
	_, err = pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_embedding_vector_ivfflat
		ON embedding USING ivfflat (vector vector_cosine_ops) WITH (lists = 100)`)
	if err != nil {
		log.Fatalf("Failed to create vector index: %v", err)
	}
	log.Println("✓ IVFFlat index on embedding.vector")
}

func schema(hasVector bool, watermarkTable string) []string {
	vectorCol := "vector BYTEA NOT NULL"
	if hasVector {
		vectorCol = "vector vector(1536) NOT NULL"
	}
	if watermarkTable == "" {
		watermarkTable = "etl_metadata"
	}
	metaTable := pgx.Identifier{watermarkTable}.Sanitize()
	return []string{
		`CREATE TABLE IF NOT EXISTS notification_text (
			id TEXT PRIMARY KEY,
			notified_at TIMESTAMPTZ NOT NULL,
			assigned_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			category TEXT,
			country TEXT,
			eq_id TEXT,
			fl_id TEXT,
			mat_id TEXT,
			serial_id TEXT,
			trend_l1 TEXT,
			trend_l2 TEXT,
			trend_l3 TEXT,
			issue_type TEXT,
			medium_text TEXT,
			long_text TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_text_notified_at
			ON notification_text (notified_at)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_text_eq_id
			ON notification_text (eq_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_text_issue_type
			ON notification_text (issue_type)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_text_long_text
			ON notification_text USING gin (to_tsvector('simple', coalesce(long_text, '')))`,
		`CREATE INDEX IF NOT EXISTS idx_notification_text_medium_text
			ON notification_text USING gin (to_tsvector('simple', coalesce(medium_text, '')))`,

		`CREATE TABLE IF NOT EXISTS ai_extracted (
			id BIGSERIAL PRIMARY KEY,
			notification_id TEXT NOT NULL REFERENCES notification_text(id) ON DELETE CASCADE,
			keywords JSONB,
			primary_symptom TEXT,
			root_cause TEXT,
			summary TEXT,
			solution TEXT,
			solution_type TEXT,
			components JSONB,
			processes JSONB,
			main_component TEXT,
			main_process TEXT,
			confidence NUMERIC(5,4),
			model_version TEXT NOT NULL,
			extracted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (notification_id, model_version)
		)`,

		`CREATE TABLE IF NOT EXISTS embedding (
			notification_id TEXT PRIMARY KEY REFERENCES notification_text(id) ON DELETE CASCADE,
			source_text TEXT,
			` + vectorCol + `,
			model_version TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + metaTable + ` (
			table_name TEXT PRIMARY KEY,
			last_watermark TIMESTAMPTZ,
			rows_processed BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT,
			checkpoint_blob JSONB,
			checkpoint_at TIMESTAMPTZ,
			batch_size INT NOT NULL DEFAULT 0,
			total_records BIGINT NOT NULL DEFAULT 0,
			processed_records BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS etl_dead_letter (
			id BIGSERIAL PRIMARY KEY,
			table_name TEXT NOT NULL,
			notification_id TEXT,
			payload JSONB,
			sink_code TEXT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
}
