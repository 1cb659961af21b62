package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/filter"
	"github.com/inkwave/titlerec/pkg/matrix"
	"github.com/inkwave/titlerec/pkg/observability"
	"github.com/inkwave/titlerec/pkg/source"
	"github.com/inkwave/titlerec/pkg/storage"
	"github.com/inkwave/titlerec/pkg/trainer"
)

// TriggerStatus is the outcome reported for one trigger.
type TriggerStatus string

// Trigger outcomes
const (
	// StatusTrained means the run completed and committed a version
	StatusTrained TriggerStatus = "trained"
	// StatusStarted means the run was enqueued for asynchronous execution
	StatusStarted TriggerStatus = "started"
	// StatusSkipped means another live run holds the gate
	StatusSkipped TriggerStatus = "skipped"
	// StatusFailed means the run finished with an error
	StatusFailed TriggerStatus = "failed"
)

// TriggerResult describes the outcome of one trigger. ModelVersion is set
// only when a run completed and committed a checkpoint; Activated reports
// whether the serving pointer moved to that version.
type TriggerResult struct {
	Status       TriggerStatus
	ModelVersion int64
	Activated    bool
}

// Error categories recorded on failed runs
const (
	categoryStale            = "stale"
	categoryInsufficientData = "insufficient_data"
	categoryInvalidParams    = "invalid_hyperparameters"
	categoryNonConvergence   = "non_convergence"
	categoryInternal         = "internal"
)

// executeRun drives one full training run for a configuration: gate, build,
// train, commit, evaluate, activate. Failures always land the run in a
// terminal failed state; a version is committed only on full success.
func (s *service) executeRun(ctx context.Context, cfg *storage.Configuration) (*TriggerResult, error) {
	log := s.log.WithFields(logrus.Fields{
		"config_id": cfg.ConfigID,
		"model":     cfg.ModelName,
	})

	cutoff := time.Now().UTC().Add(-s.cfg.StaleRunTimeout)
	if reclaimed, err := s.runs.ReclaimStaleRuns(ctx, cfg.ModelName, cutoff, categoryStale); err != nil {
		log.WithError(err).Warn("Failed to reclaim stale runs")
	} else if reclaimed > 0 {
		log.WithField("reclaimed", reclaimed).Warn("Reclaimed stale training runs")
	}

	run := &storage.TrainingRun{
		ID:        uuid.New().String(),
		ModelName: cfg.ModelName,
		ConfigID:  cfg.ConfigID,
		StartTime: time.Now().UTC(),
		Status:    storage.RunPending,
	}

	if err := s.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, storage.ErrAlreadyRunning) {
			log.Info("Skipping trigger, model already has a live run")
			return &TriggerResult{Status: StatusSkipped}, nil
		}

		return &TriggerResult{Status: StatusFailed}, err
	}

	if err := s.runs.StartRun(ctx, run.ID); err != nil {
		return &TriggerResult{Status: StatusFailed}, err
	}

	log = log.WithField("run_id", run.ID)
	log.Info("Training run started")

	version, metricValues, err := s.train(ctx, cfg)
	if err != nil {
		category := categorize(err)
		if finishErr := s.runs.FinishRun(ctx, run.ID, storage.RunFailed, category, 0); finishErr != nil {
			log.WithError(finishErr).Error("Failed to finalize failed run")
		}

		log.WithError(err).WithField("category", category).Error("Training run failed")

		return &TriggerResult{Status: StatusFailed}, err
	}

	if err := s.runs.FinishRun(ctx, run.ID, storage.RunSucceeded, "", version); err != nil {
		log.WithError(err).Error("Failed to finalize succeeded run")
	}

	if err := s.configs.UpdateLastTrainTime(ctx, cfg.ConfigID, time.Now().UTC()); err != nil {
		log.WithError(err).Warn("Failed to record last train time")
	}

	activated := s.maybeActivate(ctx, cfg, version, metricValues, log)

	log.WithFields(logrus.Fields{
		"version":   version,
		"activated": activated,
	}).Info("Training run succeeded")

	return &TriggerResult{Status: StatusTrained, ModelVersion: version, Activated: activated}, nil
}

// train builds the interaction matrix, fits the model, commits the
// checkpoint and records its evaluation metrics.
func (s *service) train(ctx context.Context, cfg *storage.Configuration) (int64, map[string]float64, error) {
	pred, err := filter.Compile(cfg.Filters)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to compile filters: %w", err)
	}

	now := time.Now().UTC()
	window := source.Window{From: now.Add(-s.cfg.TrainWindow), To: now}

	m, err := s.builder.Build(ctx, window, pred)
	if err != nil {
		return 0, nil, err
	}

	observability.SetMatrixEntries(cfg.ModelName, len(m.Entries))

	params := trainer.ParamsFrom(cfg.ModelParams)

	artifact, metricValues, err := s.trainer.Train(ctx, m, params)
	if err != nil {
		return 0, nil, err
	}

	version, err := s.models.Commit(ctx, &storage.ModelCheckpoint{
		ModelName:       cfg.ModelName,
		TrainedAt:       now,
		Hyperparameters: params.Map(),
		Artifact:        artifact,
	})
	if err != nil {
		return 0, nil, err
	}

	if err := s.collector.Record(ctx, cfg.ModelName, version, metricValues); err != nil {
		s.log.WithError(err).Warn("Failed to record evaluation metrics")
	}

	return version, metricValues, nil
}

// maybeActivate moves the serving pointer to the new version when the
// activation metric clears the threshold, reporting whether it did. A
// configuration with no active version yet is always activated so serving
// can begin.
func (s *service) maybeActivate(ctx context.Context, cfg *storage.Configuration, version int64, metricValues map[string]float64, log logrus.FieldLogger) bool {
	if cfg.ActiveModelVersion != 0 && s.cfg.ActivationThreshold > 0 {
		value := metricValues[s.cfg.ActivationMetric]
		if value < s.cfg.ActivationThreshold {
			log.WithFields(logrus.Fields{
				"metric":    s.cfg.ActivationMetric,
				"value":     value,
				"threshold": s.cfg.ActivationThreshold,
			}).Warn("New version committed but below activation threshold, keeping current")

			return false
		}
	}

	if err := s.models.Activate(ctx, cfg.ConfigID, version); err != nil {
		log.WithError(err).Error("Failed to activate new version")
		return false
	}

	return true
}

// categorize maps a run failure to its persisted error category.
func categorize(err error) string {
	switch {
	case errors.Is(err, matrix.ErrInsufficientData):
		return categoryInsufficientData
	case errors.Is(err, trainer.ErrInvalidHyperparameters):
		return categoryInvalidParams
	case errors.Is(err, trainer.ErrNonConvergence):
		return categoryNonConvergence
	default:
		return categoryInternal
	}
}
