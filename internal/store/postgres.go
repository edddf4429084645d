package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/market-feed/internal/model"
	"github.com/atmx/market-feed/internal/store/migrations"
)

// PostgresStore implements FolderStore using PostgreSQL as the source of
// truth. Window durations are stored as integer milliseconds.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migrations.RunPostgres(ctx, s.pool)
}

func (s *PostgresStore) LoadFolders(ctx context.Context, kind model.FolderKind) ([]model.FolderRecord, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, symbols, window_size, interval_ms, time_window_ms, is_active, created_at
		 FROM momentum_folders WHERE kind = $1 ORDER BY position, created_at`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("load %s folders: %w", kind, err)
	}
	defer rows.Close()

	records := []model.FolderRecord{}
	for rows.Next() {
		var r model.FolderRecord
		var intervalMs, windowMs int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Symbols, &r.Window.WindowSize,
			&intervalMs, &windowMs, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan %s folder: %w", kind, err)
		}
		r.Kind = kind
		r.Window.Interval = time.Duration(intervalMs) * time.Millisecond
		r.Window.TimeWindow = time.Duration(windowMs) * time.Millisecond
		r.CreatedAt = r.CreatedAt.UTC()
		if r.Symbols == nil {
			r.Symbols = []string{}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveFolders replaces every row of kind in one transaction.
func (s *PostgresStore) SaveFolders(ctx context.Context, kind model.FolderKind, records []model.FolderRecord) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM momentum_folders WHERE kind = $1`, string(kind)); err != nil {
			return fmt.Errorf("clear %s folders: %w", kind, err)
		}
		for i, r := range structural(kind, records) {
			_, err := tx.Exec(ctx,
				`INSERT INTO momentum_folders
				   (id, kind, name, symbols, window_size, interval_ms, time_window_ms, is_active, position, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				r.ID, string(kind), r.Name, r.Symbols, r.Window.WindowSize,
				r.Window.Interval.Milliseconds(), r.Window.TimeWindow.Milliseconds(),
				r.IsActive, i, r.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert folder %s: %w", r.ID, err)
			}
		}
		return nil
	})
}
