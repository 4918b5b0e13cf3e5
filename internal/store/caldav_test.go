package store

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/go-cmp/cmp"

	"calmirror/internal/fields"
)

func TestRecordCalendarRoundTrip(t *testing.T) {
	names := fields.DefaultNames()
	fs := []fields.Field{
		{Key: "name", Value: "Weekly standup"},
		{Key: "location", Value: "Room 4"},
		{Key: "url", Value: "https://example.com/standup"},
		{Key: "start", Value: "2026-03-01T09:00:00Z"},
		{Key: "end", Value: "2026-03-01T09:30:00Z"},
		{Key: "all-day", Value: "false"},
		{Key: "uid", Value: "standup@example.com"},
	}
	cal := recordCalendar("weekly-standup-1772355600", fs, names, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	ev := firstEvent(cal)
	if ev == nil {
		t.Fatalf("no VEVENT in calendar")
	}
	if got := ev.Props.Get(ical.PropUID).Value; got != "weekly-standup-1772355600@calmirror" {
		t.Fatalf("UID = %q", got)
	}
	if got := ev.Props.Get(propHandle).Value; got != "weekly-standup-1772355600" {
		t.Fatalf("handle prop = %q", got)
	}

	want := fields.Map(fs)
	if diff := cmp.Diff(want, eventFields(ev, names)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordCalendarAllDayUsesDateValues(t *testing.T) {
	names := fields.DefaultNames()
	fs := []fields.Field{
		{Key: "name", Value: "Holiday"},
		{Key: "start", Value: "2026-03-02T00:00:00Z"},
		{Key: "end", Value: "2026-03-03T00:00:00Z"},
		{Key: "all-day", Value: "true"},
	}
	ev := firstEvent(recordCalendar("holiday-1772409600", fs, names, time.Now()))
	start := ev.Props.Get(ical.PropDateTimeStart)
	if start.ValueType() != ical.ValueDate || start.Value != "20260302" {
		t.Fatalf("DTSTART = %q (%s), want DATE 20260302", start.Value, start.ValueType())
	}
	got := eventFields(ev, names)
	if got["all-day"] != "true" || got["start"] != "2026-03-02T00:00:00Z" {
		t.Fatalf("decoded fields %+v", got)
	}
}

func TestObjectPathHelpers(t *testing.T) {
	p := objectPath("/calendars/alice/work", "standup-1")
	if p != "/calendars/alice/work/standup-1.ics" {
		t.Fatalf("objectPath = %q", p)
	}
	if h := handleFromPath(p); h != "standup-1" {
		t.Fatalf("handleFromPath = %q", h)
	}
}

func calendarObjectXML(href, ics string) string {
	return fmt.Sprintf(`<d:response>
<d:href>%s</d:href>
<d:propstat>
<d:prop><d:getetag>"1"</d:getetag><c:calendar-data>%s</c:calendar-data></d:prop>
<d:status>HTTP/1.1 200 OK</d:status>
</d:propstat>
</d:response>`, href, ics)
}

func TestCalDAVListLeavesForeignObjectsUnmanaged(t *testing.T) {
	managed := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//calmirror//EN\n" +
		"BEGIN:VEVENT\nUID:standup-1772442000@calmirror\nDTSTAMP:20260101T000000Z\n" +
		"DTSTART:20260302T090000Z\nSUMMARY:Standup\nX-CALMIRROR-HANDLE:standup-1772442000\n" +
		"END:VEVENT\nEND:VCALENDAR\n"
	foreign := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//someone//EN\n" +
		"BEGIN:VEVENT\nUID:meeting@example.com\nDTSTAMP:20260101T000000Z\n" +
		"DTSTART:20260303T140000Z\nSUMMARY:Meeting\nEND:VEVENT\nEND:VCALENDAR\n"

	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">` +
			calendarObjectXML("/cal/standup-1772442000.ics", managed) +
			calendarObjectXML("/cal/meeting.ics", foreign) +
			`</d:multistatus>`))
	}))
	defer server.Close()

	st, err := NewCalDAVStore(server.URL+"/", "", "", fields.DefaultNames())
	if err != nil {
		t.Fatalf("NewCalDAVStore: %v", err)
	}
	recs, err := st.List(context.Background(), "/cal/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if method != "REPORT" {
		t.Fatalf("method = %s, want REPORT", method)
	}

	handles := map[string]string{}
	for _, r := range recs {
		handles[r.ID] = r.Handle
	}
	want := map[string]string{
		"/cal/standup-1772442000.ics": "standup-1772442000",
		"/cal/meeting.ics":            "",
	}
	if diff := cmp.Diff(want, handles); diff != "" {
		t.Fatalf("handles mismatch (-want +got):\n%s", diff)
	}
	for _, r := range recs {
		if r.ID == "/cal/meeting.ics" && !strings.Contains(r.Fields["name"], "Meeting") {
			t.Fatalf("foreign fields = %v", r.Fields)
		}
	}
}
