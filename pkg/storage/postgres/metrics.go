package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/inkwave/titlerec/pkg/storage"
)

// RecordMetrics appends one metric record.
func (b *Backend) RecordMetrics(ctx context.Context, rec *storage.MetricRecord) error {
	values, err := json.Marshal(rec.Values)
	if err != nil {
		return fmt.Errorf("failed to marshal metric values: %w", err)
	}

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	query, args, err := b.sb.Insert("metric_records").
		Columns("model_name", "version", "recorded_at", "vals").
		Values(rec.ModelName, rec.Version, recordedAt, values).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build metric insert: %w", err)
	}

	if _, err := b.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record metrics: %w", err)
	}

	return nil
}

// LatestMetrics returns the newest record for a model.
func (b *Backend) LatestMetrics(ctx context.Context, modelName string) (*storage.MetricRecord, error) {
	query, args, err := b.sb.Select("model_name", "version", "recorded_at", "vals").
		From("metric_records").
		Where(sq.Eq{"model_name": modelName}).
		OrderBy("recorded_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build latest metric select: %w", err)
	}

	rec, err := scanMetricRecord(b.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrMetricsNotFound, modelName)
		}
		return nil, err
	}

	return rec, nil
}

// MetricsHistory returns all records for a (model, version), newest first.
func (b *Backend) MetricsHistory(ctx context.Context, modelName string, version int64) ([]*storage.MetricRecord, error) {
	query, args, err := b.sb.Select("model_name", "version", "recorded_at", "vals").
		From("metric_records").
		Where(sq.Eq{"model_name": modelName, "version": version}).
		OrderBy("recorded_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build metric history select: %w", err)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metric history: %w", err)
	}
	defer rows.Close()

	var out []*storage.MetricRecord
	for rows.Next() {
		rec, scanErr := scanMetricRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

func scanMetricRecord(row pgx.Row) (*storage.MetricRecord, error) {
	var (
		rec    storage.MetricRecord
		values []byte
	)

	err := row.Scan(&rec.ModelName, &rec.Version, &rec.RecordedAt, &values)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan metric record: %w", err)
	}

	if err := json.Unmarshal(values, &rec.Values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metric values: %w", err)
	}

	return &rec, nil
}
