package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/inkwave/titlerec/pkg/storage"
)

// liveRunGateIndex is the partial unique index enforcing one live run per model
const liveRunGateIndex = "training_runs_live_idx"

// CreateRun appends a pending run. The partial unique index on live runs makes
// the liveness check and the insert a single atomic operation.
func (b *Backend) CreateRun(ctx context.Context, run *storage.TrainingRun) error {
	startTime := run.StartTime
	if startTime.IsZero() {
		startTime = time.Now().UTC()
	}

	query, args, err := b.sb.Insert("training_runs").
		Columns("id", "model_name", "config_id", "start_time", "status").
		Values(run.ID, run.ModelName, run.ConfigID, startTime, string(storage.RunPending)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build run insert: %w", err)
	}

	if _, err := b.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err, liveRunGateIndex) {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyRunning, run.ModelName)
		}
		return fmt.Errorf("failed to insert training run: %w", err)
	}

	return nil
}

// StartRun transitions a run from pending to running.
func (b *Backend) StartRun(ctx context.Context, runID string) error {
	query, args, err := b.sb.Update("training_runs").
		Set("status", string(storage.RunRunning)).
		Where(sq.Eq{"id": runID, "status": string(storage.RunPending)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build run start update: %w", err)
	}

	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to start training run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return b.transitionError(ctx, runID, storage.RunRunning)
	}

	return nil
}

// FinishRun transitions a running run to a terminal status. The status guard
// in the WHERE clause enforces the state machine against concurrent writers.
func (b *Backend) FinishRun(ctx context.Context, runID string, status storage.RunStatus, errorCategory string, modelVersion int64) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: -> %s", storage.ErrInvalidTransition, status)
	}

	query, args, err := b.sb.Update("training_runs").
		Set("status", string(status)).
		Set("end_time", sq.Expr("now()")).
		Set("error_category", errorCategory).
		Set("model_version", modelVersion).
		Where(sq.Eq{"id": runID, "status": string(storage.RunRunning)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build run finish update: %w", err)
	}

	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to finish training run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return b.transitionError(ctx, runID, status)
	}

	return nil
}

// transitionError distinguishes a missing run from a forbidden transition.
func (b *Backend) transitionError(ctx context.Context, runID string, next storage.RunStatus) error {
	run, err := b.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, run.Status, next)
}

// GetRun returns one run.
func (b *Backend) GetRun(ctx context.Context, runID string) (*storage.TrainingRun, error) {
	query, args, err := b.sb.Select("id", "model_name", "config_id", "start_time",
		"end_time", "status", "error_category", "model_version").
		From("training_runs").
		Where(sq.Eq{"id": runID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build run select: %w", err)
	}

	run, err := scanRun(b.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
		}
		return nil, err
	}

	return run, nil
}

// ListRuns returns the most recent runs for a model, newest first.
func (b *Backend) ListRuns(ctx context.Context, modelName string, limit int) ([]*storage.TrainingRun, error) {
	builder := b.sb.Select("id", "model_name", "config_id", "start_time",
		"end_time", "status", "error_category", "model_version").
		From("training_runs").
		Where(sq.Eq{"model_name": modelName}).
		OrderBy("start_time DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build run list: %w", err)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list training runs: %w", err)
	}
	defer rows.Close()

	var out []*storage.TrainingRun
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, run)
	}

	return out, rows.Err()
}

// ReclaimStaleRuns fails live runs started before the cutoff.
func (b *Backend) ReclaimStaleRuns(ctx context.Context, modelName string, cutoff time.Time, category string) (int, error) {
	query, args, err := b.sb.Update("training_runs").
		Set("status", string(storage.RunFailed)).
		Set("end_time", sq.Expr("now()")).
		Set("error_category", category).
		Where(sq.Eq{"model_name": modelName}).
		Where(sq.Expr("status IN (?, ?)", string(storage.RunPending), string(storage.RunRunning))).
		Where(sq.Lt{"start_time": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build stale run update: %w", err)
	}

	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale runs: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

func scanRun(row pgx.Row) (*storage.TrainingRun, error) {
	var (
		run     storage.TrainingRun
		status  string
		endTime sql.NullTime
	)

	err := row.Scan(&run.ID, &run.ModelName, &run.ConfigID, &run.StartTime,
		&endTime, &status, &run.ErrorCategory, &run.ModelVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan training run: %w", err)
	}

	run.Status = storage.RunStatus(status)
	if endTime.Valid {
		run.EndTime = endTime.Time
	}

	return &run, nil
}
