package orchestrator

import (
	"errors"
	"time"
)

// Define static errors
var (
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
)

// QueueName is the asynq queue training tasks are enqueued on
const QueueName = "training"

// Config contains the configuration for the training orchestrator.
type Config struct {
	// Concurrency bounds how many training runs execute at once
	Concurrency int `yaml:"concurrency" default:"2"`
	// ReconcileInterval is how often cron entries are reconciled against
	// the configuration set
	ReconcileInterval time.Duration `yaml:"reconcileInterval" default:"60s"`
	// StaleRunTimeout is the age after which a live run is presumed
	// abandoned and reclaimed as failed
	StaleRunTimeout time.Duration `yaml:"staleRunTimeout" default:"2h"`
	// TrainWindow is how far back interaction events are pulled per run
	TrainWindow time.Duration `yaml:"trainWindow" default:"720h"`
	// SyncTrigger makes manual triggers run inline instead of enqueueing
	SyncTrigger bool `yaml:"syncTrigger" default:"true"`
	// ActivationMetric is the evaluation metric gating auto activation
	ActivationMetric string `yaml:"activationMetric" default:"map_at_k"`
	// ActivationThreshold is the minimum metric value required before a
	// freshly trained version is activated; zero activates every success
	ActivationThreshold float64 `yaml:"activationThreshold"`
}

// Validate checks the orchestrator configuration.
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	return nil
}
