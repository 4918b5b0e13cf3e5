package model

import (
	"sort"
	"time"
)

// Occurrence represents a single concrete instance of a feed event after
// recurrence expansion. Occurrences are rebuilt from the feed on every run;
// nothing about them is persisted apart from what the store keeps.
type Occurrence struct {
	// UID is the iCalendar UID of the source component. It may be empty for
	// feeds that omit it, in which case the handle falls back to Summary.
	UID string

	// Handle is the sync key joining this occurrence to a store record.
	Handle string

	Summary     string
	Description string
	Location    string
	URL         string

	// Start is always set. End is the zero time when the source had neither
	// DTEND nor DURATION.
	Start time.Time
	End   time.Time

	// RecurrenceID is the rule instant this occurrence was generated from.
	// Zero for non-recurring components.
	RecurrenceID time.Time

	AllDay bool
}

// HasEnd reports whether the occurrence carries an end instant.
func (o Occurrence) HasEnd() bool {
	return !o.End.IsZero()
}

// SortOccurrences orders occurrences by start ascending, breaking ties by
// handle so output is stable across runs.
func SortOccurrences(occs []Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Start.Equal(occs[j].Start) {
			return occs[i].Start.Before(occs[j].Start)
		}
		return occs[i].Handle < occs[j].Handle
	})
}
