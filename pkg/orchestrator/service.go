// Package orchestrator schedules and executes training runs: cron entries
// per configuration, a bounded worker queue, the one-live-run gate and the
// run state machine around each attempt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/matrix"
	"github.com/inkwave/titlerec/pkg/metrics"
	"github.com/inkwave/titlerec/pkg/observability"
	r "github.com/inkwave/titlerec/pkg/redis"
	"github.com/inkwave/titlerec/pkg/registry"
	"github.com/inkwave/titlerec/pkg/storage"
	"github.com/inkwave/titlerec/pkg/trainer"
)

// TrainTaskPrefix is the prefix for scheduled training tasks
const TrainTaskPrefix = "train:"

// Define static errors
var (
	ErrConfigInactive = errors.New("configuration is not active")
)

// Service is the training orchestrator.
type Service interface {
	// Start launches the cron scheduler and the worker queue
	Start(ctx context.Context) error
	// Stop drains workers and shuts the scheduler down
	Stop() error
	// Trigger requests a training run for one configuration. Force bypasses
	// the active-configuration check but never preempts a live run.
	Trigger(ctx context.Context, configID string, force bool) (*TriggerResult, error)
}

type service struct {
	log logrus.FieldLogger
	cfg *Config

	done chan struct{}
	wg   sync.WaitGroup

	configs   storage.ConfigStore
	runs      storage.TrainingRunStore
	models    registry.Registry
	builder   matrix.Builder
	trainer   trainer.Trainer
	collector metrics.Collector

	scheduler *asynq.Scheduler
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	client    *asynq.Client

	mu      sync.Mutex
	entries map[string]string // task type -> scheduler entry id
}

// NewService creates the training orchestrator.
func NewService(
	log logrus.FieldLogger,
	cfg *Config,
	redisCfg *r.Config,
	configs storage.ConfigStore,
	runs storage.TrainingRunStore,
	models registry.Registry,
	builder matrix.Builder,
	tr trainer.Trainer,
	collector metrics.Collector,
) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	asynqRedis := redisCfg.AsynqOptions()

	scheduler := asynq.NewScheduler(asynqRedis, &asynq.SchedulerOpts{
		Location: time.UTC,
		LogLevel: asynq.InfoLevel,
	})

	server := asynq.NewServer(asynqRedis, asynq.Config{
		Queues: map[string]int{
			QueueName: 10,
		},
		Concurrency: cfg.Concurrency,
	})

	return &service{
		log:  log.WithField("service", "orchestrator"),
		cfg:  cfg,
		done: make(chan struct{}),

		configs:   configs,
		runs:      runs,
		models:    models,
		builder:   builder,
		trainer:   tr,
		collector: collector,

		scheduler: scheduler,
		server:    server,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(asynqRedis),
		client:    asynq.NewClient(asynqRedis),

		entries: make(map[string]string),
	}, nil
}

// Start launches the worker server, the cron scheduler and the periodic
// schedule reconciler.
func (s *service) Start(ctx context.Context) error {
	// ServeMux matches task types by longest prefix
	s.mux.HandleFunc(TrainTaskPrefix, s.handleTrainTask)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.server.Run(s.mux); err != nil {
			s.log.WithError(err).Error("Training worker server stopped with error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.scheduler.Run(); err != nil {
			s.log.WithError(err).Error("Training scheduler stopped with error")
		}
	}()

	if err := s.reconcileSchedules(ctx); err != nil {
		s.log.WithError(err).Warn("Initial schedule reconciliation failed")
	}

	s.wg.Add(1)
	go s.runReconcileLoop(ctx)

	s.log.Info("Training orchestrator started")

	return nil
}

// Stop drains the workers and shuts the scheduler down.
func (s *service) Stop() error {
	close(s.done)

	if s.scheduler != nil {
		s.scheduler.Shutdown()
	}

	if s.server != nil {
		s.server.Shutdown()
	}

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close task client")
		}
	}

	s.wg.Wait()

	s.log.Info("Training orchestrator stopped")

	return nil
}

// Trigger requests a training run for one configuration.
func (s *service) Trigger(ctx context.Context, configID string, force bool) (*TriggerResult, error) {
	cfg, err := s.configs.GetConfiguration(ctx, configID)
	if err != nil {
		return &TriggerResult{Status: StatusFailed}, err
	}

	if !cfg.IsActive && !force {
		return &TriggerResult{Status: StatusFailed}, fmt.Errorf("%w: %s", ErrConfigInactive, configID)
	}

	if s.cfg.SyncTrigger {
		result, err := s.executeRun(ctx, cfg)
		observability.RecordTrainingTrigger(string(result.Status))

		return result, err
	}

	// Live-run check up front so an enqueue against a busy model reports
	// skipped immediately. The gate is still enforced atomically at run time.
	if runs, listErr := s.runs.ListRuns(ctx, cfg.ModelName, 1); listErr == nil &&
		len(runs) == 1 && !runs[0].Status.Terminal() {
		observability.RecordTrainingTrigger(string(StatusSkipped))

		return &TriggerResult{Status: StatusSkipped}, nil
	}

	task := asynq.NewTask(TrainTaskPrefix+configID, nil)
	if _, err := s.client.EnqueueContext(ctx, task, asynq.Queue(QueueName), asynq.MaxRetry(0)); err != nil {
		return &TriggerResult{Status: StatusFailed}, fmt.Errorf("failed to enqueue training task: %w", err)
	}

	observability.RecordTrainingTrigger(string(StatusStarted))

	return &TriggerResult{Status: StatusStarted}, nil
}

// handleTrainTask executes one scheduled or enqueued training run.
func (s *service) handleTrainTask(ctx context.Context, t *asynq.Task) error {
	configID := strings.TrimPrefix(t.Type(), TrainTaskPrefix)

	cfg, err := s.configs.GetConfiguration(ctx, configID)
	if err != nil {
		if errors.Is(err, storage.ErrConfigNotFound) {
			s.log.WithField("config_id", configID).Warn("Dropping training task for deleted configuration")
			return nil
		}

		return err
	}

	if !cfg.IsActive {
		s.log.WithField("config_id", configID).Debug("Skipping training for inactive configuration")
		return nil
	}

	start := time.Now()
	result, err := s.executeRun(ctx, cfg)
	observability.RecordTrainingRun(cfg.ModelName, string(result.Status), time.Since(start))

	// Run failures are terminal in the audit trail; retrying the task would
	// double-count them.
	if err != nil {
		s.log.WithError(err).WithField("config_id", configID).Error("Scheduled training run failed")
	}

	return nil
}

// runReconcileLoop keeps cron entries matching the configuration set.
func (s *service) runReconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reconcileSchedules(ctx); err != nil {
				s.log.WithError(err).Warn("Schedule reconciliation failed")
			}
		}
	}
}

// reconcileSchedules registers cron entries for active schedulable
// configurations, re-registers changed schedules and removes obsolete ones.
func (s *service) reconcileSchedules(ctx context.Context) error {
	configurations, err := s.configs.ListConfigurations(ctx, storage.ConfigurationFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("failed to list configurations: %w", err)
	}

	desired := make(map[string]string, len(configurations))
	for _, cfg := range configurations {
		if cfg.TrainSchedule == "" {
			continue
		}

		desired[TrainTaskPrefix+cfg.ConfigID] = cfg.TrainSchedule
	}

	existing := s.existingEntries()

	registered, updated, removed := 0, 0, 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for taskType, schedule := range desired {
		entry, ok := existing[taskType]
		if ok && entry.Spec == schedule {
			continue
		}

		if ok {
			if err := s.scheduler.Unregister(entry.ID); err != nil {
				s.log.WithError(err).WithField("task", taskType).Warn("Failed to unregister changed schedule")
			}
			updated++
		} else {
			registered++
		}

		entryID, err := s.scheduler.Register(schedule, asynq.NewTask(taskType, nil),
			asynq.Queue(QueueName),
			asynq.MaxRetry(0),
		)
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"task":     taskType,
				"schedule": schedule,
			}).Error("Failed to register training schedule")

			continue
		}

		s.entries[taskType] = entryID
	}

	for taskType, entry := range existing {
		if _, ok := desired[taskType]; ok {
			continue
		}

		if err := s.scheduler.Unregister(entry.ID); err != nil {
			s.log.WithError(err).WithField("task", taskType).Warn("Failed to unregister obsolete schedule")
			continue
		}

		delete(s.entries, taskType)
		removed++
	}

	if registered > 0 || updated > 0 || removed > 0 {
		s.log.WithFields(logrus.Fields{
			"registered": registered,
			"updated":    updated,
			"removed":    removed,
		}).Info("Reconciled training schedules")
	}

	return nil
}

type schedulerEntry struct {
	ID   string
	Spec string
}

// existingEntries reads the scheduler's registered training entries.
func (s *service) existingEntries() map[string]schedulerEntry {
	out := make(map[string]schedulerEntry)

	entries, err := s.inspector.SchedulerEntries()
	if err != nil {
		s.log.WithError(err).Debug("Failed to list scheduler entries")
		return out
	}

	for _, entry := range entries {
		taskType := entry.Task.Type()
		if strings.HasPrefix(taskType, TrainTaskPrefix) {
			out[taskType] = schedulerEntry{ID: entry.ID, Spec: entry.Spec}
		}
	}

	return out
}

var _ Service = (*service)(nil)
