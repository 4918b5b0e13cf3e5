package syncer

import (
	"context"
	"errors"
	"sync"

	"calmirror/internal/config"
	appLog "calmirror/internal/log"
)

// ErrRunInProgress is returned when a run is requested while another one
// has not finished.
var ErrRunInProgress = errors.New("syncer: a run is already in progress")

// Runner serializes runs from every trigger (cron, HTTP, CLI). Overlapping
// requests are rejected rather than queued.
type Runner struct {
	run sync.Mutex

	mu      sync.Mutex
	syncer  *Syncer
	last    *Result
	lastErr error
}

func NewRunner(s *Syncer) *Runner {
	return &Runner{syncer: s}
}

// Syncer returns the syncer used for the next run.
func (r *Runner) Syncer() *Syncer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncer
}

// Swap installs s for subsequent runs; a run in progress keeps its syncer.
func (r *Runner) Swap(s *Syncer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncer = s
}

// Run starts a run unless one is in progress.
func (r *Runner) Run(ctx context.Context, override config.Override) (Result, error) {
	if !r.run.TryLock() {
		appLog.Warn("sync trigger ignored; run in progress")
		return Result{}, ErrRunInProgress
	}
	defer r.run.Unlock()

	res, err := r.Syncer().Run(ctx, override)

	r.mu.Lock()
	r.last = &res
	r.lastErr = err
	r.mu.Unlock()
	return res, err
}

// Running reports whether a run holds the guard.
func (r *Runner) Running() bool {
	if r.run.TryLock() {
		r.run.Unlock()
		return false
	}
	return true
}

// Last returns the most recent run's result and error. The result is nil
// before the first run.
func (r *Runner) Last() (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil, nil
	}
	res := *r.last
	return &res, r.lastErr
}
