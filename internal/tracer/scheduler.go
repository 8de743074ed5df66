package tracer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// cleanupTimeout bounds a single scheduled cleanup run.
const cleanupTimeout = 30 * time.Second

// TimerScheduler is the default Scheduler: an in-process time.AfterFunc
// per scheduled cleanup. Timers do not survive a restart — the retention
// sweeper picks up any cleanup lost that way.
type TimerScheduler struct {
	logger *slog.Logger
	run    func(ctx context.Context, traceID uuid.UUID) error
}

// NewTimerScheduler creates a scheduler that invokes run after each delay.
func NewTimerScheduler(logger *slog.Logger, run func(ctx context.Context, traceID uuid.UUID) error) *TimerScheduler {
	return &TimerScheduler{logger: logger, run: run}
}

// RunAfter schedules one cleanup invocation. Fire-and-forget: the caller
// never observes the outcome, failures go to the operational log.
func (s *TimerScheduler) RunAfter(delay time.Duration, traceID uuid.UUID) {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := s.run(ctx, traceID); err != nil {
			s.logger.Warn("tracer: scheduled cleanup failed", "trace_id", traceID, "error", err)
		}
	})
}
