package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// Schedule periodically re-runs detection over the last day's receipts.
// An interval that fires while a run is still in flight is skipped, not
// queued.
type Schedule struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSchedule creates a schedule around the runner.
func NewSchedule(r *Runner, interval time.Duration, logger *slog.Logger) *Schedule {
	if logger == nil {
		logger = slog.Default()
	}
	return &Schedule{
		runner:   r,
		interval: interval,
		logger:   logger.With("component", "schedule"),
	}
}

// Start launches the ticker loop. A run fires immediately, then on every
// tick. Start is a no-op when already started.
func (s *Schedule) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("schedule started", "interval", s.interval)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()
}

// Stop halts the ticker loop and waits for it to exit.
func (s *Schedule) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("schedule stopped")
}

func (s *Schedule) tick(ctx context.Context) {
	filter := domain.ReceiptFilter{
		DateFrom: time.Now().UTC().AddDate(0, 0, -1),
	}

	batch, err := s.runner.RunDetection(ctx, filter)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			s.logger.Warn("scheduled run skipped, another run in progress")
			return
		}
		s.logger.Error("scheduled run failed", "error", err)
		return
	}

	s.logger.Info("scheduled run completed",
		"receipts", batch.TotalReceipts,
		"anomalies", batch.TotalAnomalies,
		"flagged", batch.FlaggedReceipts)
}
