// Package syncer runs one reconciliation of the feed against the store:
// resolve settings, fetch, parse, expand, list, plan and apply.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calmirror/internal/config"
	"calmirror/internal/fields"
	"calmirror/internal/handle"
	"calmirror/internal/ics"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/reconcile"
	"calmirror/internal/store"
)

// Stage names the step of a run that failed fatally.
type Stage string

const (
	StageConfig Stage = "config"
	StageFetch  Stage = "fetch"
	StageParse  Stage = "parse"
	StageExpand Stage = "expand"
	StageList   Stage = "list"
	StageApply  Stage = "apply"
)

// StageError is a fatal run error. Nothing was written to the store unless
// Stage is StageApply.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Upstream reports whether the failure was caused by the feed or the
// store rather than by local configuration.
func (e *StageError) Upstream() bool {
	switch e.Stage {
	case StageFetch, StageParse, StageList:
		return true
	}
	return false
}

// FeedFetcher is satisfied by *ics.Fetcher.
type FeedFetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Syncer holds everything one run needs. It is safe to reuse across runs;
// it keeps no state between them.
type Syncer struct {
	Config    *config.Config
	Store     store.Store
	Kind      string
	Fetcher   FeedFetcher
	Remote    config.RemoteSource
	Projector fields.Projector
	Handles   handle.Assigner
	Location  *time.Location

	MaxOccurrencesPerEvent int
	Pacing                 time.Duration
	Backoff                time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Syncer from configuration. The store is owned by the caller.
func New(cfg *config.Config, st store.Store) (*Syncer, error) {
	handles, err := handle.NewAssigner(cfg.Sync.HandleMaxLength)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", cfg.Timezone)
	}
	s := &Syncer{
		Config: cfg,
		Store:  st,
		Kind:   cfg.Store.Kind,
		Fetcher: ics.NewFetcher(ics.FetcherOptions{
			CacheDir:       cfg.Feed.CacheDir,
			CacheBustParam: cfg.Feed.CacheBustParam,
			Timeout:        cfg.Feed.Timeout,
		}),
		Projector:              fields.NewProjector(cfg.Fields),
		Handles:                handles,
		Location:               loc,
		MaxOccurrencesPerEvent: cfg.Sync.MaxOccurrencesPerEvent,
		Pacing:                 cfg.Sync.Pacing,
		Backoff:                cfg.Sync.Backoff,
		Now:                    time.Now,
	}
	if cfg.Store.ConfigKind != "" {
		s.Remote = config.StoreSource{Store: st, Kind: cfg.Store.ConfigKind}
	}
	return s, nil
}

// Desired is the occurrence set a run mirrors, together with what was
// dropped on the way.
type Desired struct {
	Settings    config.Settings    `json:"settings"`
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	Occurrences []model.Occurrence `json:"occurrences"`
	Rejected    []ics.Rejection    `json:"-"`
	Truncated   []string           `json:"truncated,omitempty"`
	FromCache   bool               `json:"from_cache"`
}

// Result summarizes a completed run.
type Result struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Desired    int              `json:"desired"`
	Rejected   int              `json:"rejected"`
	Existing   int              `json:"existing"`
	Report     reconcile.Report `json:"report"`
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Desired resolves settings and expands the feed into occurrences.
func (s *Syncer) Desired(ctx context.Context, override config.Override) (Desired, error) {
	settings, err := config.Resolve(ctx, s.Config, s.Remote, override)
	if err != nil {
		return Desired{}, &StageError{Stage: StageConfig, Err: err}
	}

	src := ics.Source{ID: s.Kind, URL: settings.FeedURL}
	fetched, err := s.Fetcher.FetchOne(ctx, src)
	if err != nil {
		return Desired{}, &StageError{Stage: StageFetch, Err: err}
	}
	events, err := ics.ParseICS(src, fetched.Body)
	if err != nil {
		return Desired{}, &StageError{Stage: StageParse, Err: err}
	}

	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	start := s.now().In(loc)
	end := start.AddDate(0, 0, settings.LookaheadDays)
	expanded, err := ics.ExpandOccurrences(events, ics.ExpandConfig{
		Location:               loc,
		RangeStart:             start,
		RangeEnd:               end,
		Handles:                s.Handles,
		MaxOccurrencesPerEvent: s.MaxOccurrencesPerEvent,
	})
	if err != nil {
		return Desired{}, &StageError{Stage: StageExpand, Err: err}
	}
	for _, uid := range expanded.TruncatedEvents {
		appLog.Warn("occurrence cap reached; later instances dropped", "uid", uid)
	}

	return Desired{
		Settings:    settings,
		WindowStart: start,
		WindowEnd:   end,
		Occurrences: expanded.Occurrences,
		Rejected:    expanded.Rejected,
		Truncated:   expanded.TruncatedEvents,
		FromCache:   fetched.FromCache,
	}, nil
}

// Plan computes the mutations a run would apply, without applying them.
func (s *Syncer) Plan(ctx context.Context, override config.Override) (Desired, reconcile.Plan, []store.Record, error) {
	desired, err := s.Desired(ctx, override)
	if err != nil {
		return Desired{}, reconcile.Plan{}, nil, err
	}
	existing, err := s.Store.List(ctx, s.Kind)
	if err != nil {
		return desired, reconcile.Plan{}, nil, &StageError{Stage: StageList, Err: err}
	}
	return desired, reconcile.BuildPlan(desired.Occurrences, existing), existing, nil
}

// Run performs one full reconciliation. Item failures are reported in
// Result.Report and do not fail the run.
func (s *Syncer) Run(ctx context.Context, override config.Override) (Result, error) {
	res := Result{StartedAt: s.now()}

	desired, plan, existing, err := s.Plan(ctx, override)
	if err != nil {
		appLog.Error("sync run aborted", err)
		return res, err
	}
	res.Desired = len(desired.Occurrences)
	res.Rejected = len(desired.Rejected)
	res.Existing = len(existing)
	appLog.Info("sync plan computed",
		"feed", ics.RedactURL(desired.Settings.FeedURL),
		"lookahead_days", desired.Settings.LookaheadDays,
		"desired", res.Desired, "existing", res.Existing,
		"creates", len(plan.Creates), "updates", len(plan.Updates), "deletes", len(plan.Deletes))

	exec := reconcile.NewExecutor(s.Store, s.Kind, s.Projector)
	exec.Pacing = s.Pacing
	exec.Backoff = s.Backoff
	if s.Sleep != nil {
		exec.Sleep = s.Sleep
	}
	report, err := exec.Apply(ctx, plan)
	res.Report = report
	res.FinishedAt = s.now()
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("apply plan: %w", err)
		}
		appLog.Error("sync run interrupted", err, "applied", report.Applied)
		return res, &StageError{Stage: StageApply, Err: err}
	}
	appLog.Info("sync run finished",
		"applied", report.Applied, "skipped", report.Skipped,
		"created", report.Created, "updated", report.Updated, "deleted", report.Deleted,
		"elapsed", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	return res, nil
}
