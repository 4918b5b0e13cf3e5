// Package scheduler triggers sync runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calmirror/internal/log"
	"calmirror/internal/syncer"
)

// RunFunc performs one sync run.
type RunFunc func(ctx context.Context) error

type Scheduler struct {
	cron *cron.Cron
	run  RunFunc

	mu    sync.Mutex
	ctx   context.Context
	entry cron.EntryID
	spec  string
}

// New creates a scheduler in loc. Ticks that fire while the previous run
// is still going are skipped.
func New(loc *time.Location, run RunFunc) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(appLog.CronLogger{}),
		cron.WithChain(cron.Recover(appLog.CronLogger{}), cron.SkipIfStillRunning(appLog.CronLogger{})),
	)
	return &Scheduler{cron: c, run: run, ctx: context.Background()}
}

// Schedule installs spec (standard 5-field cron syntax or a descriptor such
// as "@hourly"), replacing any previous schedule.
func (s *Scheduler) Schedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("scheduler: invalid refresh schedule %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spec == spec && s.entry != 0 {
		return nil
	}
	id, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return fmt.Errorf("scheduler: add job: %w", err)
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	s.entry = id
	s.spec = spec
	appLog.Info("sync schedule set", "refresh", spec)
	return nil
}

// Next returns the next planned run, or the zero time when the scheduler
// is not running.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start runs the cron loop until ctx is done, then waits for a running job
// to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	appLog.Info("scheduler started", "refresh", s.spec)
	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	appLog.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	err := s.run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrRunInProgress):
		appLog.Warn("scheduled run skipped; another run is in progress")
	case errors.Is(err, context.Canceled):
		appLog.Info("scheduled run cancelled")
	default:
		appLog.Error("scheduled run failed", err)
	}
}
