package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calmirror/internal/fields"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/store"
)

const (
	DefaultPacing  = time.Second
	DefaultBackoff = 5 * time.Second
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type ItemState string

const (
	StatePending  ItemState = "pending"
	StateApplying ItemState = "applying"
	StateApplied  ItemState = "applied"
	StateSkipped  ItemState = "skipped"
)

// ItemResult is the outcome of one plan item.
type ItemResult struct {
	Action   Action    `json:"action"`
	Handle   string    `json:"handle"`
	RecordID string    `json:"record_id,omitempty"`
	State    ItemState `json:"state"`
	// FellBack is set when a create hit an existing handle and was applied
	// as an update of that record.
	FellBack bool  `json:"fell_back,omitempty"`
	Err      error `json:"-"`
}

// Report aggregates a plan execution. Applied counts every item that
// reached the desired state, including deletes of already-missing records.
type Report struct {
	Applied int          `json:"applied"`
	Skipped int          `json:"skipped"`
	Created int          `json:"created"`
	Updated int          `json:"updated"`
	Deleted int          `json:"deleted"`
	Items   []ItemResult `json:"items"`
}

// Executor applies plans to one kind of a store, one item at a time.
type Executor struct {
	Store     store.Store
	Kind      string
	Projector fields.Projector
	// Pacing follows each applied item; Backoff follows each skipped one.
	Pacing  time.Duration
	Backoff time.Duration
	// Sleep waits between items. Tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(s store.Store, kind string, projector fields.Projector) *Executor {
	return &Executor{
		Store:     s,
		Kind:      kind,
		Projector: projector,
		Pacing:    DefaultPacing,
		Backoff:   DefaultBackoff,
		Sleep:     sleepContext,
	}
}

type planItem struct {
	action Action
	handle string
	id     string
	occ    model.Occurrence
}

// Apply executes creates, then updates, then deletes. Item failures are
// logged and recorded as skipped; they never abort the run. The only error
// returned is the context's, together with the partial report.
func (e *Executor) Apply(ctx context.Context, plan Plan) (Report, error) {
	items := make([]planItem, 0, plan.Len())
	for _, occ := range plan.Creates {
		items = append(items, planItem{action: ActionCreate, handle: occ.Handle, occ: occ})
	}
	for _, u := range plan.Updates {
		items = append(items, planItem{action: ActionUpdate, handle: u.Occurrence.Handle, id: u.RecordID, occ: u.Occurrence})
	}
	for _, d := range plan.Deletes {
		items = append(items, planItem{action: ActionDelete, handle: d.Handle, id: d.RecordID})
	}

	report := Report{Items: make([]ItemResult, len(items))}
	for i, it := range items {
		report.Items[i] = ItemResult{Action: it.action, Handle: it.handle, RecordID: it.id, State: StatePending}
	}

	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := &report.Items[i]
		res.State = StateApplying

		var err error
		switch it.action {
		case ActionCreate:
			res.RecordID, res.FellBack, err = e.create(ctx, it.occ)
		case ActionUpdate:
			err = e.update(ctx, it.id, it.occ)
		case ActionDelete:
			err = e.delete(ctx, it.id)
		}

		delay := e.Pacing
		if err != nil {
			res.State = StateSkipped
			res.Err = err
			report.Skipped++
			delay = e.Backoff
			appLog.Error("reconcile: item skipped", err,
				"action", it.action, "handle", it.handle, "id", res.RecordID, "transient", store.IsTransient(err))
		} else {
			res.State = StateApplied
			report.Applied++
			switch it.action {
			case ActionCreate:
				report.Created++
			case ActionUpdate:
				report.Updated++
			case ActionDelete:
				report.Deleted++
			}
			appLog.Debug("reconcile: item applied", "action", it.action, "handle", it.handle, "id", res.RecordID, "fell_back", res.FellBack)
		}

		if i < len(items)-1 && delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// create inserts occ, or updates the record already holding its handle.
func (e *Executor) create(ctx context.Context, occ model.Occurrence) (id string, fellBack bool, err error) {
	fs := e.Projector.Project(occ)
	id, err = e.Store.Create(ctx, e.Kind, occ.Handle, fs)
	if errors.Is(err, store.ErrDuplicateHandle) {
		id, err = e.existingID(ctx, occ.Handle, err)
		if err != nil {
			return "", false, err
		}
		appLog.Info("reconcile: handle already exists; updating instead", "handle", occ.Handle, "id", id)
		if err := e.Store.Update(ctx, e.Kind, id, fs); err != nil {
			return id, true, err
		}
		return id, true, e.publish(ctx, id)
	}
	if err != nil {
		return "", false, err
	}
	return id, false, e.publish(ctx, id)
}

func (e *Executor) existingID(ctx context.Context, handle string, dupErr error) (string, error) {
	var dup *store.DuplicateHandleError
	if errors.As(dupErr, &dup) && dup.ExistingID != "" {
		return dup.ExistingID, nil
	}
	records, err := e.Store.List(ctx, e.Kind)
	if err != nil {
		return "", fmt.Errorf("resolve duplicate %s: %w", handle, err)
	}
	for _, r := range records {
		if r.Handle == handle {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("resolve duplicate %s: %w", handle, dupErr)
}

func (e *Executor) update(ctx context.Context, id string, occ model.Occurrence) error {
	if err := e.Store.Update(ctx, e.Kind, id, e.Projector.Project(occ)); err != nil {
		return err
	}
	return e.publish(ctx, id)
}

func (e *Executor) delete(ctx context.Context, id string) error {
	err := e.Store.Delete(ctx, e.Kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (e *Executor) publish(ctx context.Context, id string) error {
	p, ok := e.Store.(store.Publisher)
	if !ok {
		return nil
	}
	if err := p.Publish(ctx, e.Kind, id); err != nil {
		return fmt.Errorf("publish %s: %w", id, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
