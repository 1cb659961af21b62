package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/inkwave/titlerec/pkg/filter"
	"github.com/inkwave/titlerec/pkg/storage"
)

const configColumns = "config_id, name, description, site_ids, filters, train_schedule, " +
	"model_params, model_name, active_model_version, is_active, last_train_time, created_at, updated_at"

// CreateConfiguration inserts a new configuration.
func (b *Backend) CreateConfiguration(ctx context.Context, cfg *storage.Configuration) error {
	filters, params, err := marshalConfigJSON(cfg)
	if err != nil {
		return err
	}

	query, args, err := b.sb.Insert("configs").
		Columns("config_id", "name", "description", "site_ids", "filters",
			"train_schedule", "model_params", "model_name", "is_active").
		Values(cfg.ConfigID, cfg.Name, cfg.Description, cfg.SiteIDs, filters,
			cfg.TrainSchedule, params, cfg.ModelName, cfg.IsActive).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build config insert: %w", err)
	}

	if _, err := b.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: %s", storage.ErrConfigExists, cfg.ConfigID)
		}
		return fmt.Errorf("failed to insert configuration: %w", err)
	}

	return nil
}

// UpdateConfiguration replaces the mutable fields of an existing configuration.
// The active-version pointer and last train time are owned by their dedicated
// operations and are not touched here.
func (b *Backend) UpdateConfiguration(ctx context.Context, cfg *storage.Configuration) error {
	filters, params, err := marshalConfigJSON(cfg)
	if err != nil {
		return err
	}

	query, args, err := b.sb.Update("configs").
		Set("name", cfg.Name).
		Set("description", cfg.Description).
		Set("site_ids", cfg.SiteIDs).
		Set("filters", filters).
		Set("train_schedule", cfg.TrainSchedule).
		Set("model_params", params).
		Set("model_name", cfg.ModelName).
		Set("is_active", cfg.IsActive).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"config_id": cfg.ConfigID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build config update: %w", err)
	}

	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update configuration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrConfigNotFound, cfg.ConfigID)
	}

	return nil
}

// GetConfiguration returns one configuration.
func (b *Backend) GetConfiguration(ctx context.Context, configID string) (*storage.Configuration, error) {
	query, args, err := b.sb.Select(configColumns).
		From("configs").
		Where(sq.Eq{"config_id": configID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build config select: %w", err)
	}

	cfg, err := scanConfiguration(b.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrConfigNotFound, configID)
		}
		return nil, err
	}

	return cfg, nil
}

// ListConfigurations returns configurations matching the filter in config id order.
func (b *Backend) ListConfigurations(ctx context.Context, f storage.ConfigurationFilter) ([]*storage.Configuration, error) {
	builder := b.sb.Select(configColumns).From("configs").OrderBy("config_id")
	if f.ActiveOnly {
		builder = builder.Where(sq.Eq{"is_active": true})
	}
	if len(f.SiteIDs) > 0 {
		// Array overlap against the site_ids column.
		builder = builder.Where(sq.Expr("site_ids && ?", f.SiteIDs))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build config list: %w", err)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	defer rows.Close()

	var out []*storage.Configuration
	for rows.Next() {
		cfg, scanErr := scanConfiguration(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, cfg)
	}

	return out, rows.Err()
}

// SetActiveVersion atomically swaps the active-version pointer. The update and
// the checkpoint-existence check are a single statement, so concurrent readers
// observe either the previous pointer or the new one.
func (b *Backend) SetActiveVersion(ctx context.Context, configID string, version int64) error {
	const query = `
		UPDATE configs SET active_model_version = $2, updated_at = now()
		WHERE config_id = $1
		  AND ($2 = 0 OR EXISTS (
			SELECT 1 FROM model_checkpoints c
			WHERE c.model_name = configs.model_name AND c.version = $2
		  ))`

	tag, err := b.pool.Exec(ctx, query, configID, version)
	if err != nil {
		return fmt.Errorf("failed to swap active version: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish a missing configuration from a missing checkpoint.
	if _, err := b.GetConfiguration(ctx, configID); err != nil {
		return err
	}

	return fmt.Errorf("%w: version %d", storage.ErrVersionNotFound, version)
}

// UpdateLastTrainTime records the completion time of the latest successful run.
func (b *Backend) UpdateLastTrainTime(ctx context.Context, configID string, t time.Time) error {
	query, args, err := b.sb.Update("configs").
		Set("last_train_time", t.UTC()).
		Where(sq.Eq{"config_id": configID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build last train time update: %w", err)
	}

	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update last train time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrConfigNotFound, configID)
	}

	return nil
}

func marshalConfigJSON(cfg *storage.Configuration) (filters, params []byte, err error) {
	conditions := cfg.Filters
	if conditions == nil {
		conditions = []filter.Condition{}
	}
	filters, err = json.Marshal(conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal filters: %w", err)
	}

	modelParams := cfg.ModelParams
	if modelParams == nil {
		modelParams = map[string]float64{}
	}
	params, err = json.Marshal(modelParams)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal model params: %w", err)
	}

	return filters, params, nil
}

func scanConfiguration(row pgx.Row) (*storage.Configuration, error) {
	var (
		cfg           storage.Configuration
		filtersJSON   []byte
		paramsJSON    []byte
		lastTrainTime sql.NullTime
	)

	err := row.Scan(&cfg.ConfigID, &cfg.Name, &cfg.Description, &cfg.SiteIDs,
		&filtersJSON, &cfg.TrainSchedule, &paramsJSON, &cfg.ModelName,
		&cfg.ActiveModelVersion, &cfg.IsActive, &lastTrainTime,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan configuration: %w", err)
	}

	if err := json.Unmarshal(filtersJSON, &cfg.Filters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal filters: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &cfg.ModelParams); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model params: %w", err)
	}
	if lastTrainTime.Valid {
		cfg.LastTrainTime = lastTrainTime.Time
	}

	return &cfg, nil
}
