package storage

import "errors"

// Define static errors
var (
	// ErrConfigNotFound is returned when a configuration does not exist
	ErrConfigNotFound = errors.New("configuration not found")
	// ErrConfigExists is returned when creating a configuration that already exists
	ErrConfigExists = errors.New("configuration already exists")
	// ErrCheckpointNotFound is returned when a (model, version) checkpoint does not exist
	ErrCheckpointNotFound = errors.New("model checkpoint not found")
	// ErrVersionNotFound is returned when activating a version that was never committed
	ErrVersionNotFound = errors.New("model version not found")
	// ErrDuplicateVersion is returned when committing over an existing (model, version) pair
	ErrDuplicateVersion = errors.New("duplicate model version")
	// ErrAlreadyRunning is returned when a live training run blocks a new one
	ErrAlreadyRunning = errors.New("training run already in progress")
	// ErrRunNotFound is returned when a training run does not exist
	ErrRunNotFound = errors.New("training run not found")
	// ErrInvalidTransition is returned on a run status transition the state machine forbids
	ErrInvalidTransition = errors.New("invalid training run status transition")
	// ErrMetricsNotFound is returned when no metric records exist for a model
	ErrMetricsNotFound = errors.New("no metric records found")
)
