// Package storage defines the persistent entities of the recommendation
// service and the store interfaces its components depend on. Backends live in
// the postgres and memory subpackages.
package storage

import (
	"time"

	"github.com/inkwave/titlerec/pkg/filter"
)

// Configuration is a tenant-scoped set of training and filtering rules. A site
// may appear in any number of configurations.
type Configuration struct {
	ConfigID           string             `json:"config_id"`
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	SiteIDs            []int64            `json:"site_ids"`
	Filters            []filter.Condition `json:"filters,omitempty"`
	TrainSchedule      string             `json:"train_schedule,omitempty"`
	ModelParams        map[string]float64 `json:"model_params,omitempty"`
	ModelName          string             `json:"model_name"`
	ActiveModelVersion int64              `json:"active_model_version"` // 0 means no active version
	IsActive           bool               `json:"is_active"`
	LastTrainTime      time.Time          `json:"last_train_time,omitzero"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ConfigurationFilter narrows configuration listings.
type ConfigurationFilter struct {
	SiteIDs    []int64
	ActiveOnly bool
}

// Artifact holds the learned parameters of a trained model: the latent factor
// vectors for every user and title seen in training, plus the global
// popularity ordering used for cold-start fallback.
type Artifact struct {
	Factors      int                 `json:"factors"`
	UserVectors  map[int64][]float64 `json:"user_vectors"`
	TitleVectors map[int64][]float64 `json:"title_vectors"`
	Popularity   []int64             `json:"popularity,omitempty"`
}

// ModelCheckpoint is an immutable versioned snapshot of a trained model.
type ModelCheckpoint struct {
	ModelName       string             `json:"model_name"`
	Version         int64              `json:"version"`
	TrainedAt       time.Time          `json:"trained_at"`
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`
	Artifact        *Artifact          `json:"artifact"`
}

// RunStatus is the training run state machine:
// pending -> running -> {succeeded, failed}.
//
// Stale reclamation is the one sanctioned shortcut: a run abandoned past the
// stale timeout is failed directly from pending or running, without passing
// through running first.
type RunStatus string

// Training run statuses
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// CanTransition reports whether the state machine permits moving to next
// during normal run execution. Records never skip running and never leave a
// terminal state; only stale reclamation bypasses this check.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning
	case RunRunning:
		return next == RunSucceeded || next == RunFailed
	default:
		return false
	}
}

// TrainingRun is one append-only training attempt. Besides serving as the
// audit trail, live runs gate concurrent training per model.
type TrainingRun struct {
	ID            string    `json:"id"`
	ModelName     string    `json:"model_name"`
	ConfigID      string    `json:"config_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitzero"`
	Status        RunStatus `json:"status"`
	ErrorCategory string    `json:"error_category,omitempty"`
	ModelVersion  int64     `json:"model_version,omitempty"`
}

// MetricRecord is an append-only set of evaluation metric values for one
// model version at one instant.
type MetricRecord struct {
	ModelName  string             `json:"model_name"`
	Version    int64              `json:"version"`
	RecordedAt time.Time          `json:"recorded_at"`
	Values     map[string]float64 `json:"values"`
}

// UserFeature is the derived per-user record maintained by the feature store.
type UserFeature struct {
	UserID       int64     `json:"user_id"`
	Interactions int64     `json:"interactions"`
	WeightSum    float64   `json:"weight_sum"`
	LastSeen     time.Time `json:"last_seen,omitzero"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TitleFeature is the derived per-title record maintained by the feature store.
type TitleFeature struct {
	TitleID      int64     `json:"title_id"`
	Interactions int64     `json:"interactions"`
	WeightSum    float64   `json:"weight_sum"`
	LastSeen     time.Time `json:"last_seen,omitzero"`
	UpdatedAt    time.Time `json:"updated_at"`
}
