// Package reconcile computes the changes that make a store mirror the
// desired occurrences and applies them.
package reconcile

import (
	"sort"

	"calmirror/internal/model"
	"calmirror/internal/store"
)

// Update pairs an existing record with the occurrence it should mirror.
type Update struct {
	RecordID   string
	Occurrence model.Occurrence
}

// Delete names a record that no desired occurrence claims.
type Delete struct {
	RecordID string `json:"record_id"`
	Handle   string `json:"handle"`
}

// Plan is the set of mutations for one run, partitioned by handle:
// creates are desired but absent, updates are present in both, deletes
// exist only in the store.
type Plan struct {
	Creates []model.Occurrence
	Updates []Update
	Deletes []Delete
}

func (p Plan) Len() int {
	return len(p.Creates) + len(p.Updates) + len(p.Deletes)
}

// BuildPlan compares desired occurrences against existing records by
// handle. Every matched record is updated regardless of its current
// values. Records without a handle are not managed and are left alone.
//
// A handle that appears twice in desired keeps its first occurrence. A
// handle held by several records keeps the record with the smallest ID
// and schedules the others for deletion.
func BuildPlan(desired []model.Occurrence, existing []store.Record) Plan {
	var plan Plan

	byHandle := make(map[string]store.Record, len(existing))
	var extra []Delete
	sorted := make([]store.Record, 0, len(existing))
	for _, r := range existing {
		if r.Handle != "" {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, r := range sorted {
		if _, ok := byHandle[r.Handle]; ok {
			extra = append(extra, Delete{RecordID: r.ID, Handle: r.Handle})
			continue
		}
		byHandle[r.Handle] = r
	}

	seen := make(map[string]struct{}, len(desired))
	for _, occ := range desired {
		if _, dup := seen[occ.Handle]; dup {
			continue
		}
		seen[occ.Handle] = struct{}{}
		if rec, ok := byHandle[occ.Handle]; ok {
			plan.Updates = append(plan.Updates, Update{RecordID: rec.ID, Occurrence: occ})
			continue
		}
		plan.Creates = append(plan.Creates, occ)
	}

	for h, rec := range byHandle {
		if _, ok := seen[h]; !ok {
			plan.Deletes = append(plan.Deletes, Delete{RecordID: rec.ID, Handle: h})
		}
	}
	plan.Deletes = append(plan.Deletes, extra...)
	sort.Slice(plan.Deletes, func(i, j int) bool {
		if plan.Deletes[i].Handle != plan.Deletes[j].Handle {
			return plan.Deletes[i].Handle < plan.Deletes[j].Handle
		}
		return plan.Deletes[i].RecordID < plan.Deletes[j].RecordID
	})
	return plan
}
