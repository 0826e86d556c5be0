// Package maintenance runs scheduled upkeep against the session store.
// Upkeep compacts storage bookkeeping (WAL checkpoints, planner stats) and
// never deletes history.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"github.com/mnemokit/mnemo/internal/observability"
	"github.com/mnemokit/mnemo/internal/tracing"
	"github.com/mnemokit/mnemo/pkg/commandqueue"
)

// Lane is the queue lane maintenance runs on, so upkeep serializes with
// itself and never blocks session traffic.
const Lane = "maintenance"

// Maintainer is implemented by stores that support periodic upkeep.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Stats tracks the runtime state of the maintenance schedule.
type Stats struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// Config configures the maintenance service.
type Config struct {
	// Schedule is a 5-field cron expression.
	Schedule   string
	Maintainer Maintainer
	Queue      *commandqueue.Queue
	Logger     zerolog.Logger
}

// Service schedules and executes store upkeep.
type Service struct {
	schedule   cron.Schedule
	expr       string
	maintainer Maintainer
	queue      *commandqueue.Queue
	logger     zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stats   Stats
	running bool
	stopped bool
}

// NewService creates a maintenance service. The schedule must parse; the
// maintainer and queue are required.
func NewService(cfg Config) (*Service, error) {
	if cfg.Maintainer == nil {
		return nil, fmt.Errorf("maintainer is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.Schedule == "" {
		return nil, fmt.Errorf("maintenance schedule is required")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule: %w", err)
	}

	observability.EnsureRegistered()

	return &Service{
		schedule:   schedule,
		expr:       cfg.Schedule,
		maintainer: cfg.Maintainer,
		queue:      cfg.Queue,
		logger:     cfg.Logger,
	}, nil
}

// Start arms the first timer.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.timer != nil {
		return
	}
	s.armLocked()

	s.logger.Info().
		Str("schedule", s.expr).
		Time("nextRun", time.UnixMilli(*s.stats.NextRunAtMs)).
		Msg("Maintenance service started")
}

// Stop cancels the pending timer. A run already in flight finishes.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.logger.Info().Msg("Maintenance service stopped")
}

// RunNow executes one upkeep pass immediately, outside the schedule.
func (s *Service) RunNow(ctx context.Context) error {
	return s.execute(ctx)
}

// GetStats returns a snapshot of the schedule state.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// armLocked schedules the next run. Caller holds the lock.
func (s *Service) armLocked() {
	next := s.schedule.Next(time.Now())
	s.stats.NextRunAtMs = int64Ptr(next.UnixMilli())

	s.timer = time.AfterFunc(time.Until(next), func() {
		if err := s.execute(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled maintenance failed")
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return
		}
		s.armLocked()
	})

	s.logger.Debug().
		Time("nextRun", next).
		Msg("Maintenance run scheduled")
}

// execute runs one upkeep pass on the maintenance lane.
func (s *Service) execute(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug().Msg("Maintenance already running, skipping")
		return nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, span := tracing.StartSpan(ctx, "mnemo.maintenance", "maintenance.run")
	defer span.End()

	start := time.Now()
	_, err := s.queue.Enqueue(ctx, Lane, func(taskCtx context.Context) (interface{}, error) {
		return nil, s.maintainer.Maintain(taskCtx)
	}, nil)
	duration := time.Since(start)

	observability.RecordMaintenanceRun(duration, err == nil)

	s.mu.Lock()
	s.stats.LastRunAtMs = int64Ptr(start.UnixMilli())
	s.stats.LastDurationMs = int64Ptr(duration.Milliseconds())
	if err != nil {
		s.stats.LastStatus = "error"
		s.stats.LastError = err.Error()
		s.stats.ConsecutiveErrors++
	} else {
		s.stats.LastStatus = "ok"
		s.stats.LastError = ""
		s.stats.ConsecutiveErrors = 0
	}
	consecutive := s.stats.ConsecutiveErrors
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error().
			Err(err).
			Int("consecutiveErrors", consecutive).
			Msg("Maintenance run failed")
		return fmt.Errorf("maintenance run failed: %w", err)
	}

	s.logger.Info().
		Dur("duration", duration).
		Msg("Maintenance run completed")

	return nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
