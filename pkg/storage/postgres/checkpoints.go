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

// commitRetries bounds attempts to win an auto-assigned version under
// concurrent commits to the same model.
const commitRetries = 3

// CommitCheckpoint writes an immutable checkpoint. With Version == 0 the next
// monotone version is assigned in the same statement that inserts the row, so
// concurrent committers can only race on the primary key, never overwrite.
func (b *Backend) CommitCheckpoint(ctx context.Context, cp *storage.ModelCheckpoint) (int64, error) {
	artifact, err := json.Marshal(cp.Artifact)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal artifact: %w", err)
	}
	params, err := json.Marshal(cp.Hyperparameters)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal hyperparameters: %w", err)
	}

	trainedAt := cp.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = time.Now().UTC()
	}

	if cp.Version != 0 {
		return cp.Version, b.insertCheckpoint(ctx, cp.ModelName, cp.Version, trainedAt, params, artifact)
	}

	const query = `
		INSERT INTO model_checkpoints (model_name, version, trained_at, hyperparameters, artifact)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4
		FROM model_checkpoints WHERE model_name = $1
		RETURNING version`

	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		var version int64
		err := b.pool.QueryRow(ctx, query, cp.ModelName, trainedAt, params, artifact).Scan(&version)
		if err == nil {
			return version, nil
		}
		if !isUniqueViolation(err, "") {
			return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
		}
		lastErr = err
	}

	return 0, fmt.Errorf("%w: %s", storage.ErrDuplicateVersion, lastErr)
}

func (b *Backend) insertCheckpoint(ctx context.Context, modelName string, version int64, trainedAt time.Time, params, artifact []byte) error {
	query, args, err := b.sb.Insert("model_checkpoints").
		Columns("model_name", "version", "trained_at", "hyperparameters", "artifact").
		Values(modelName, version, trainedAt, params, artifact).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint insert: %w", err)
	}

	if _, err := b.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: %s version %d", storage.ErrDuplicateVersion, modelName, version)
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	return nil
}

// GetCheckpoint returns one checkpoint.
func (b *Backend) GetCheckpoint(ctx context.Context, modelName string, version int64) (*storage.ModelCheckpoint, error) {
	query, args, err := b.sb.Select("model_name", "version", "trained_at", "hyperparameters", "artifact").
		From("model_checkpoints").
		Where(sq.Eq{"model_name": modelName, "version": version}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build checkpoint select: %w", err)
	}

	var (
		cp       storage.ModelCheckpoint
		params   []byte
		artifact []byte
	)
	err = b.pool.QueryRow(ctx, query, args...).
		Scan(&cp.ModelName, &cp.Version, &cp.TrainedAt, &params, &artifact)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s version %d", storage.ErrCheckpointNotFound, modelName, version)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if err := json.Unmarshal(params, &cp.Hyperparameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hyperparameters: %w", err)
	}
	if err := json.Unmarshal(artifact, &cp.Artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}

	return &cp, nil
}

// ListCheckpointVersions returns committed versions in ascending order.
func (b *Backend) ListCheckpointVersions(ctx context.Context, modelName string) ([]int64, error) {
	query, args, err := b.sb.Select("version").
		From("model_checkpoints").
		Where(sq.Eq{"model_name": modelName}).
		OrderBy("version ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build version list: %w", err)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint versions: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}

	return versions, rows.Err()
}
