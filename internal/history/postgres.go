package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresArchive persists generation history in PostgreSQL.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(ctx context.Context, databaseURL string) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresArchive{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generated_images (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			mode TEXT NOT NULL,
			object_key TEXT NOT NULL,
			filename TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_generated_images_owner_created ON generated_images (owner_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			points INTEGER NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_owner_created ON usage_events (owner_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (a *PostgresArchive) SaveImage(ctx context.Context, rec ImageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := a.pool.Exec(ctx,
		`INSERT INTO generated_images (id, task_id, owner_id, prompt, mode, object_key, filename, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID,
		rec.TaskID,
		rec.Owner,
		rec.Prompt,
		rec.Mode,
		rec.ObjectKey,
		rec.Filename,
		rec.Size,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save image record: %w", err)
	}
	return nil
}

func (a *PostgresArchive) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := a.pool.Exec(ctx,
		`INSERT INTO usage_events (id, owner_id, kind, points, task_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID,
		rec.Owner,
		rec.Kind,
		rec.Points,
		rec.TaskID,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (a *PostgresArchive) RecentImages(ctx context.Context, owner string, limit int) ([]ImageRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := a.pool.Query(ctx,
		`SELECT id, task_id, owner_id, prompt, mode, object_key, filename, size_bytes, created_at
		 FROM generated_images WHERE owner_id=$1 ORDER BY created_at DESC LIMIT $2`,
		owner,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent images: %w", err)
	}
	defer rows.Close()

	items := make([]ImageRecord, 0, limit)
	for rows.Next() {
		var r ImageRecord
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Owner, &r.Prompt, &r.Mode, &r.ObjectKey, &r.Filename, &r.Size, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image rows: %w", err)
	}
	return items, nil
}

func (a *PostgresArchive) Close() error {
	a.pool.Close()
	return nil
}
