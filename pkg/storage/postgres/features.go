package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inkwave/titlerec/pkg/storage"
)

// UpsertUserFeatures writes or refreshes user feature records in one batch.
func (b *Backend) UpsertUserFeatures(ctx context.Context, features []*storage.UserFeature) error {
	if len(features) == 0 {
		return nil
	}

	const query = `
		INSERT INTO user_features (user_id, interactions, weight_sum, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE SET
			interactions = EXCLUDED.interactions,
			weight_sum = EXCLUDED.weight_sum,
			last_seen = EXCLUDED.last_seen,
			updated_at = now()`

	batch := &pgx.Batch{}
	for _, f := range features {
		batch.Queue(query, f.UserID, f.Interactions, f.WeightSum, nullTime(f.LastSeen))
	}

	if err := b.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert user features: %w", err)
	}

	return nil
}

// UpsertTitleFeatures writes or refreshes title feature records in one batch.
func (b *Backend) UpsertTitleFeatures(ctx context.Context, features []*storage.TitleFeature) error {
	if len(features) == 0 {
		return nil
	}

	const query = `
		INSERT INTO title_features (title_id, interactions, weight_sum, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (title_id) DO UPDATE SET
			interactions = EXCLUDED.interactions,
			weight_sum = EXCLUDED.weight_sum,
			last_seen = EXCLUDED.last_seen,
			updated_at = now()`

	batch := &pgx.Batch{}
	for _, f := range features {
		batch.Queue(query, f.TitleID, f.Interactions, f.WeightSum, nullTime(f.LastSeen))
	}

	if err := b.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert title features: %w", err)
	}

	return nil
}

// TopTitleFeatures returns up to limit title records by descending weight sum.
func (b *Backend) TopTitleFeatures(ctx context.Context, limit int) ([]*storage.TitleFeature, error) {
	builder := b.sb.Select("title_id", "interactions", "weight_sum", "last_seen", "updated_at").
		From("title_features").
		OrderBy("weight_sum DESC", "title_id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build title feature select: %w", err)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list title features: %w", err)
	}
	defer rows.Close()

	var out []*storage.TitleFeature
	for rows.Next() {
		var (
			f        storage.TitleFeature
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&f.TitleID, &f.Interactions, &f.WeightSum, &lastSeen, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan title feature: %w", err)
		}
		if lastSeen.Valid {
			f.LastSeen = lastSeen.Time
		}
		out = append(out, &f)
	}

	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC()
}
