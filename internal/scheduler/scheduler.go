package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/procflow/internal/store"
)

// DefaultInterval is how often the scheduler looks for due triggers.
const DefaultInterval = 60 * time.Second

// Run statuses recorded on a trigger after each run.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Starter starts an instance of a registered workflow.
// Satisfied by the engine (avoids import cycle).
type Starter interface {
	Start(ctx context.Context, workflowID string, vars map[string]any) (string, error)
}

// Scheduler polls the store for due cron triggers and starts their workflows.
type Scheduler struct {
	store    store.Store
	starter  Starter
	parser   cron.Parser
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently running (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, starter Starter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		interval: DefaultInterval,
		inflight: make(map[string]struct{}),
	}
}

// SetInterval changes the polling interval. It must be called before Start.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// AddTrigger validates the cron expression and stores an enabled trigger for
// the workflow, due at the next matching time.
func (s *Scheduler) AddTrigger(ctx context.Context, workflowID, cronExpr string, vars map[string]any) (*store.Trigger, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	now := s.now()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, err
	}
	tr := &store.Trigger{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Variables:      vars,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateTrigger(ctx, tr); err != nil {
		return nil, fmt.Errorf("create trigger: %w", err)
	}
	s.logger.Info("trigger added",
		slog.String("trigger_id", tr.ID),
		slog.String("workflow_id", workflowID),
		slog.String("cron", cronExpr),
	)
	return tr, nil
}

// SetEnabled enables or disables a trigger. Re-enabling recomputes the next
// run from now so missed slots are not replayed.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tr, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	update := store.TriggerUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.CalculateNextRun(tr.CronExpression, s.now())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateTrigger(ctx, id, update)
}

// RemoveTrigger deletes a trigger.
func (s *Scheduler) RemoveTrigger(ctx context.Context, id string) error {
	return s.store.DeleteTrigger(ctx, id)
}

// tick checks all enabled triggers and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list triggers", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, tr := range triggers {
		if tr.NextRunAt != nil && tr.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(tr.ID) {
			continue // already running (dedup)
		}
		if err := s.runTrigger(ctx, tr, now); err != nil {
			s.logger.Error("failed to run trigger",
				slog.String("trigger_id", tr.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseTrigger(tr.ID)
	}
}

// runTrigger starts the trigger's workflow and records the run.
func (s *Scheduler) runTrigger(ctx context.Context, tr *store.Trigger, now time.Time) error {
	s.logger.Info("running trigger",
		slog.String("trigger_id", tr.ID),
		slog.String("workflow_id", tr.WorkflowID),
	)

	executionID, err := s.starter.Start(ctx, tr.WorkflowID, tr.Variables)
	status := StatusSuccess
	if err != nil {
		status = StatusError
		s.logger.Error("triggered workflow failed to start",
			slog.String("trigger_id", tr.ID),
			slog.String("error", err.Error()),
		)
	}
	return s.updateTriggerStatus(ctx, tr, now, status, executionID)
}

func (s *Scheduler) updateTriggerStatus(ctx context.Context, tr *store.Trigger, now time.Time, status, executionID string) error {
	nextRun, err := s.CalculateNextRun(tr.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", tr.ID, err)
	}

	return s.store.UpdateTrigger(ctx, tr.ID, store.TriggerUpdate{
		LastRunAt:       &now,
		NextRunAt:       &nextRun,
		LastRunStatus:   status,
		LastExecutionID: executionID,
	})
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseTrigger(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs, once, every trigger whose next run passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, tr := range triggers {
		if tr.NextRunAt == nil || !tr.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(tr.ID) {
			continue
		}
		err := s.runTrigger(ctx, tr, now)
		s.releaseTrigger(tr.ID)
		if err != nil {
			s.logger.Error("failed to recover missed trigger",
				slog.String("trigger_id", tr.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return nil
}
