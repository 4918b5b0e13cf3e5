package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"calmirror/internal/handle"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ErrMalformedEvent marks components that cannot be turned into valid
// occurrences (end before start, unparsable RRULE, negative duration).
var ErrMalformedEvent = errors.New("malformed event")

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the zone used for all-day detection and for the
	// returned occurrences. If nil, time.UTC is used.
	Location *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	// RangeStart is "now" for a sync run.
	RangeStart time.Time
	RangeEnd   time.Time

	// Handles assigns the sync key of each occurrence; the key also breaks
	// ordering ties.
	Handles handle.Assigner

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Rejection records a component that was dropped as malformed.
type Rejection struct {
	UID     string
	Summary string
	Err     error
}

// ExpandResult wraps the list of expanded occurrences together with the
// components that were truncated or rejected.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
	Rejected        []Rejection
}

// ExpandOccurrences turns parsed components into concrete occurrences within
// [RangeStart, RangeEnd], sorted by start and then handle. It handles:
//
//   - Single events, kept while they are upcoming or still in progress
//   - RRULE-based recurrence, enumerated between RangeStart and RangeEnd
//     (both inclusive)
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides, including cancelled overrides
//   - STATUS:CANCELLED components, which are dropped
//
// Components whose end precedes their start are rejected and reported in
// ExpandResult.Rejected; they never produce occurrences.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	if cfg.Handles.MaxLength == 0 {
		cfg.Handles.MaxLength = handle.DefaultMaxLength
	}

	// Split base events and overrides. Overrides are keyed by UID; an
	// override whose UID has no base is expanded as a standalone event.
	bases := make([]ParsedEvent, 0, len(events))
	baseUIDs := make(map[string]bool)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil && ev.UID != "" {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
		baseUIDs[ev.UID] = true
	}
	for uid, ovs := range overridesByUID {
		if baseUIDs[uid] {
			continue
		}
		for _, ov := range ovs {
			ov.IsOverride = false
			ov.Recurrence = nil
			bases = append(bases, ov)
		}
	}

	out := make([]model.Occurrence, 0)
	for _, ev := range bases {
		if ev.Cancelled {
			appLog.Debug("expand: skipping cancelled component", "uid", ev.UID)
			continue
		}
		if err := validate(ev); err != nil {
			result.Rejected = append(result.Rejected, Rejection{UID: ev.UID, Summary: ev.Summary, Err: err})
			appLog.Error("expand: rejecting malformed component", err, "uid", ev.UID, "summary", ev.Summary)
			continue
		}

		var (
			occs   []model.Occurrence
			hitCap bool
			err    error
		)
		if ev.RawRRule == "" {
			occs = expandSingleEvent(ev, overridesByUID[ev.UID], cfg, &result)
		} else {
			occs, hitCap, err = expandRecurringEvent(ev, overridesByUID[ev.UID], cfg, &result)
			if err != nil {
				result.Rejected = append(result.Rejected, Rejection{UID: ev.UID, Summary: ev.Summary, Err: err})
				appLog.Error("expand: rejecting component with bad RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
				continue
			}
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occs...)
	}

	model.SortOccurrences(out)
	result.Occurrences = out
	return result, nil
}

// validate rejects components whose timing cannot describe a real interval.
func validate(ev ParsedEvent) error {
	if ev.Start.IsZero() {
		return fmt.Errorf("%w: missing start", ErrMalformedEvent)
	}
	if !ev.End.IsZero() && ev.End.Before(ev.Start) {
		return fmt.Errorf("%w: end %s precedes start %s", ErrMalformedEvent,
			ev.End.Format(time.RFC3339), ev.Start.Format(time.RFC3339))
	}
	if ev.End.IsZero() && ev.HasDuration && ev.Duration < 0 {
		return fmt.Errorf("%w: negative duration %s", ErrMalformedEvent, ev.Duration)
	}
	return nil
}

// span returns the length of one instance and whether it has an end at all.
// Date-only components without DTEND/DURATION last one day (RFC 5545 3.6.1).
func span(ev ParsedEvent) (time.Duration, bool) {
	switch {
	case !ev.End.IsZero():
		return ev.End.Sub(ev.Start), true
	case ev.HasDuration:
		return ev.Duration, true
	case ev.DateOnly:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

// anchor re-interprets date-only starts as local midnight in loc so all-day
// events land on the calendar day the feed meant.
func anchor(ev ParsedEvent, loc *time.Location) ParsedEvent {
	if !ev.DateOnly {
		return ev
	}
	s := ev.Start
	ev.Start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
	if !ev.End.IsZero() {
		e := ev.End
		ev.End = time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, loc)
	}
	return ev
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig, res *ExpandResult) []model.Occurrence {
	ev = anchor(ev, cfg.Location)

	// A RECURRENCE-ID override of a non-recurring event replaces it wholesale.
	if o, ok := findOverrideForStart(overrides, ev.Start); ok {
		if o.Cancelled {
			return nil
		}
		if err := validate(o); err != nil {
			rejectOverride(res, o, err)
		} else {
			ev = anchor(o, cfg.Location)
		}
	}

	end := time.Time{}
	if d, ok := span(ev); ok {
		end = endAfter(ev, ev.Start, d)
	}
	if !inWindow(ev.Start, end, cfg) {
		return nil
	}
	return []model.Occurrence{makeOccurrence(ev, ev.Start, end, time.Time{}, cfg)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig, res *ExpandResult) ([]model.Occurrence, bool, error) {
	ev = anchor(ev, cfg.Location)

	opt, err := rrule.StrToROption(ev.RawRRule)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	// Ensure Dtstart is set to the event's DTSTART.
	opt.Dtstart = ev.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	// Build a set so we can apply EXDATE.
	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		if ev.DateOnly {
			ex = time.Date(ex.Year(), ex.Month(), ex.Day(), 0, 0, 0, 0, ev.Start.Location())
		}
		set.ExDate(ex.In(ev.Start.Location()))
	}

	rangeStart := cfg.RangeStart.In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())
	instants := set.Between(rangeStart, rangeEnd, true)

	hitCap := false
	if len(instants) > cfg.MaxOccurrencesPerEvent {
		instants = instants[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	d, hasEnd := span(ev)
	out := make([]model.Occurrence, 0, len(instants))
	for _, instant := range instants {
		start := instant
		end := time.Time{}
		if hasEnd {
			end = endAfter(ev, start, d)
		}
		src := ev

		if o, ok := findOverrideForStart(overrides, instant); ok {
			if o.Cancelled {
				continue
			}
			if err := validate(o); err != nil {
				rejectOverride(res, o, err)
			} else {
				src = anchor(o, cfg.Location)
				start = src.Start
				end = time.Time{}
				if od, ok := span(src); ok {
					end = endAfter(src, start, od)
				}
				if !inWindow(start, end, cfg) {
					continue
				}
			}
		}

		out = append(out, makeOccurrence(src, start, end, instant, cfg))
	}

	return out, hitCap, nil
}

// endAfter adds an instance span to start. Date-only spans that are whole
// days advance by calendar days so DST shifts do not move the end off
// midnight.
// rejectOverride drops a malformed RECURRENCE-ID component. The instance it
// would have replaced keeps the master's values.
func rejectOverride(res *ExpandResult, o ParsedEvent, err error) {
	res.Rejected = append(res.Rejected, Rejection{UID: o.UID, Summary: o.Summary, Err: err})
	appLog.Error("expand: rejecting malformed override", err, "uid", o.UID, "summary", o.Summary)
}

func endAfter(ev ParsedEvent, start time.Time, d time.Duration) time.Time {
	if ev.DateOnly && d > 0 && d%(24*time.Hour) == 0 {
		return start.AddDate(0, 0, int(d/(24*time.Hour)))
	}
	return start.Add(d)
}

// inWindow applies the single-event retention rule: start must not be past
// the window end, and the event must not be over before the window starts.
func inWindow(start, end time.Time, cfg ExpandConfig) bool {
	if start.After(cfg.RangeEnd) {
		return false
	}
	if end.IsZero() {
		return !start.Before(cfg.RangeStart)
	}
	return !end.Before(cfg.RangeStart)
}

// findOverrideForStart finds an override event whose RECURRENCE-ID matches
// the given instance start with exact time equality.
func findOverrideForStart(overrides []ParsedEvent, instance time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		rid := *ov.Recurrence
		if ov.DateOnly {
			rid = time.Date(rid.Year(), rid.Month(), rid.Day(), 0, 0, 0, 0, instance.Location())
		}
		if rid.Equal(instance) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

// makeOccurrence converts a (possibly overridden) ParsedEvent + specific
// start/end time into a model.Occurrence normalized into cfg.Location.
func makeOccurrence(ev ParsedEvent, start, end, recurrence time.Time, cfg ExpandConfig) model.Occurrence {
	occ := model.Occurrence{
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		URL:         ev.URL,
		Start:       start.In(cfg.Location),
	}
	if !end.IsZero() {
		occ.End = end.In(cfg.Location)
	}
	if !recurrence.IsZero() {
		occ.RecurrenceID = recurrence.In(cfg.Location)
	}
	occ.AllDay = ev.DateOnly || isAllDaySpan(occ.Start, occ.End, cfg.Location)
	occ.Handle = cfg.Handles.Handle(occ)
	return occ
}

// isAllDaySpan reports whether start and end both sit on midnight in loc and
// the span is a whole, positive number of days.
func isAllDaySpan(start, end time.Time, loc *time.Location) bool {
	if end.IsZero() {
		return false
	}
	d := end.Sub(start)
	if d <= 0 || d%(24*time.Hour) != 0 {
		return false
	}
	return isMidnight(start.In(loc)) && isMidnight(end.In(loc))
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}
