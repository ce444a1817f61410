package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Store is the durable side of the timer service.
type Store interface {
	UpsertTimer(ctx context.Context, t *store.Timer) error
	DeleteTimer(ctx context.Context, key string) error
	DeleteExecutionTimers(ctx context.Context, executionID string) error
	ListTimers(ctx context.Context) ([]*store.Timer, error)
}

// FireFunc delivers a due timer event to its execution.
type FireFunc func(ctx context.Context, executionID string, ev schema.Event) error

// DefaultRetryInterval re-arms a timer whose delivery failed.
const DefaultRetryInterval = 5 * time.Second

// Service keeps durable timers in a min-heap ordered by fire time and delivers
// each due timer at least once. Timers are keyed: scheduling an existing key
// replaces it, and cancelling removes it from memory and from the store.
type Service struct {
	store  Store
	now    Clock
	logger *slog.Logger

	mu   sync.Mutex
	heap *timerHeap
	fire FireFunc

	retryInterval time.Duration
	wake          chan struct{}
}

// New creates a timer service. Bind must be called before timers fire.
func New(s Store, now Clock, logger *slog.Logger) *Service {
	if now == nil {
		now = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         s,
		now:           now,
		logger:        logger,
		heap:          newTimerHeap(),
		retryInterval: DefaultRetryInterval,
		wake:          make(chan struct{}, 1),
	}
}

// Bind sets the function due timers are delivered to.
func (s *Service) Bind(fire FireFunc) {
	s.mu.Lock()
	s.fire = fire
	s.mu.Unlock()
	s.signal()
}

// Key builds the timer key for one engine event of one step attempt.
func Key(executionID string, kind schema.EventType, nodeID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%s:%d", executionID, kind, nodeID, attempt)
}

// ScheduleAt persists a timer and arms it.
func (s *Service) ScheduleAt(ctx context.Context, key, executionID string, at time.Time, ev schema.Event) error {
	t := &store.Timer{Key: key, ExecutionID: executionID, FireAt: at.UTC(), Event: ev}

	s.mu.Lock()
	if err := s.store.UpsertTimer(ctx, t); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist timer %s: %w", key, err)
	}
	s.heap.upsert(t)
	s.mu.Unlock()

	s.signal()
	return nil
}

// Cancel removes one timer. Unknown keys are ignored.
func (s *Service) Cancel(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heap.remove(key)
	if err := s.store.DeleteTimer(ctx, key); err != nil {
		return fmt.Errorf("delete timer %s: %w", key, err)
	}
	return nil
}

// CancelExecution removes every timer of an execution.
func (s *Service) CancelExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.heap.keysFor(executionID) {
		s.heap.remove(key)
	}
	if err := s.store.DeleteExecutionTimers(ctx, executionID); err != nil {
		return fmt.Errorf("delete timers of %s: %w", executionID, err)
	}
	return nil
}

// Load arms every timer found in the store. Used on restart.
func (s *Service) Load(ctx context.Context) (int, error) {
	timers, err := s.store.ListTimers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list timers: %w", err)
	}

	s.mu.Lock()
	for _, t := range timers {
		s.heap.upsert(t)
	}
	s.mu.Unlock()

	s.signal()
	return len(timers), nil
}

// Len returns the number of armed timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Pending returns copies of the armed timers of an execution in fire order.
func (s *Service) Pending(executionID string) []store.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Timer
	for _, t := range s.heap.items {
		if t.ExecutionID == executionID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// Next returns the fire time of the earliest armed timer.
func (s *Service) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.heap.peek(); t != nil {
		return t.FireAt, true
	}
	return time.Time{}, false
}

// FireDue delivers every timer due now and returns how many were delivered.
func (s *Service) FireDue(ctx context.Context) int {
	s.mu.Lock()
	due := s.heap.popDue(s.now())
	fire := s.fire
	s.mu.Unlock()

	if len(due) == 0 {
		return 0
	}
	if fire == nil {
		s.mu.Lock()
		for _, t := range due {
			s.heap.upsert(t)
		}
		s.mu.Unlock()
		s.logger.Warn("timers due before a receiver was bound", slog.Int("count", len(due)))
		return 0
	}

	fired := 0
	for _, t := range due {
		err := fire(ctx, t.ExecutionID, t.Event)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			s.logger.Warn("timer delivery failed, re-arming",
				slog.String("key", t.Key),
				slog.String("execution_id", t.ExecutionID),
				slog.String("error", err.Error()),
			)
			s.rearm(ctx, t)
			continue
		}
		fired++
		s.release(ctx, t.Key)
	}
	return fired
}

func (s *Service) rearm(ctx context.Context, t *store.Timer) {
	retry := *t
	retry.FireAt = s.now().Add(s.retryInterval)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.has(t.Key) {
		return
	}
	if err := s.store.UpsertTimer(ctx, &retry); err != nil {
		s.logger.Error("re-arm timer", slog.String("key", t.Key), slog.String("error", err.Error()))
	}
	s.heap.upsert(&retry)
}

// release deletes the durable row of a delivered timer unless the key was
// scheduled again while it was being delivered.
func (s *Service) release(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.has(key) {
		return
	}
	if err := s.store.DeleteTimer(ctx, key); err != nil {
		s.logger.Warn("delete fired timer", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Run delivers timers as they fall due until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		s.FireDue(ctx)

		wait := time.Hour
		if next, ok := s.Next(); ok && s.bound() {
			wait = max(next.Sub(s.now()), 0)
		}
		t.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-t.C:
		}
	}
}

func (s *Service) bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fire != nil
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
