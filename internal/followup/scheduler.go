// Package followup runs the overdue follow-up sweep on a cron schedule.
package followup

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper flags overdue follow-ups and reports how many were flagged.
type Sweeper interface {
	SweepOverdueFollowUps(ctx context.Context) (int, error)
}

type Scheduler struct {
	sweeper  Sweeper
	schedule cron.Schedule
	spec     string
	logger   *log.Logger
	now      func() time.Time
	// wait blocks until d elapses or ctx is done; swapped in tests.
	wait func(ctx context.Context, d time.Duration) bool
}

// New parses a standard 5-field cron expression such as "0 7 * * *".
func New(s Sweeper, spec string, logger *log.Logger) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("followup schedule is empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid followup schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		sweeper:  s,
		schedule: sched,
		spec:     spec,
		logger:   logger,
		now:      time.Now,
		wait:     sleep,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Next returns the next run time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// RunOnce performs a single sweep and logs the outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	n, err := s.sweeper.SweepOverdueFollowUps(ctx)
	if err != nil {
		s.logger.Printf("followup sweep error: %v", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Printf("followup sweep flagged %d overdue inspection(s)", n)
	}
	return n, nil
}

// Run sweeps on every schedule tick until ctx is cancelled. Sweep errors are
// logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Printf("followup sweep scheduled (cron: %s)", s.spec)
	for {
		now := s.now()
		next := s.schedule.Next(now)
		if !s.wait(ctx, next.Sub(now)) {
			return
		}
		_, _ = s.RunOnce(ctx)
	}
}

// Start runs the loop in a goroutine. The returned function cancels it and
// waits for the current sweep to finish.
func (s *Scheduler) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
