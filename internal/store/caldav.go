package store

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"calmirror/internal/fields"
)

const (
	caldavProductID = "-//calmirror//CalDAV//EN"
	// propSourceUID keeps the feed UID; the VEVENT UID is per occurrence.
	propSourceUID = "X-CALMIRROR-SOURCE-UID"
	propHandle    = "X-CALMIRROR-HANDLE"
)

// CalDAVStore mirrors records into a CalDAV calendar collection. The kind
// is the calendar path and each record is stored as "<handle>.ics", so the
// record ID is the object path.
type CalDAVStore struct {
	client *caldav.Client
	names  fields.Names
	now    func() time.Time
}

func NewCalDAVStore(endpoint, username, password string, names fields.Names) (*CalDAVStore, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if username != "" {
		httpClient.Transport = &basicAuthTransport{username: username, password: password}
	}
	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("store: connect caldav: %w", err)
	}
	return &CalDAVStore{client: client, names: names.WithDefaults(), now: time.Now}, nil
}

type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

func (s *CalDAVStore) List(ctx context.Context, kind string) ([]Record, error) {
	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{{Name: "VEVENT"}},
		},
	}
	objects, err := s.client.QueryCalendar(ctx, kind, query)
	if err != nil {
		return nil, fmt.Errorf("store: query calendar %s: %w", kind, err)
	}
	out := make([]Record, 0, len(objects))
	for _, obj := range objects {
		// Objects without the handle property were not written by calmirror
		// and keep an empty handle so the planner leaves them alone.
		rec := Record{ID: obj.Path, Published: true}
		if obj.Data != nil {
			if ev := firstEvent(obj.Data); ev != nil {
				rec.Fields = eventFields(ev, s.names)
				if p := ev.Props.Get(propHandle); p != nil && p.Value != "" {
					rec.Handle = p.Value
				}
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *CalDAVStore) Create(ctx context.Context, kind, handle string, fs []fields.Field) (string, error) {
	objPath := objectPath(kind, handle)
	if _, err := s.client.GetCalendarObject(ctx, objPath); err == nil {
		return "", &DuplicateHandleError{Handle: handle, ExistingID: objPath}
	}
	cal := recordCalendar(handle, fs, s.names, s.now())
	if _, err := s.client.PutCalendarObject(ctx, objPath, cal); err != nil {
		return "", s.mapError("create", objPath, err)
	}
	return objPath, nil
}

// Update rewrites the object at id. PUT replaces the whole resource.
func (s *CalDAVStore) Update(ctx context.Context, kind, id string, fs []fields.Field) error {
	cal := recordCalendar(handleFromPath(id), fs, s.names, s.now())
	if _, err := s.client.PutCalendarObject(ctx, id, cal); err != nil {
		return s.mapError("update", id, err)
	}
	return nil
}

func (s *CalDAVStore) Delete(ctx context.Context, kind, id string) error {
	if err := s.client.RemoveAll(ctx, id); err != nil {
		return s.mapError("delete", id, err)
	}
	return nil
}

func (s *CalDAVStore) mapError(op, objPath string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %s %s", ErrNotFound, op, objPath)
	case strings.Contains(msg, "400"), strings.Contains(msg, "403"), strings.Contains(msg, "415"):
		return &ValidationError{Message: op + " " + objPath + ": " + msg}
	}
	return fmt.Errorf("store: caldav %s %s: %w", op, objPath, err)
}

func objectPath(kind, handle string) string {
	if !strings.HasSuffix(kind, "/") {
		kind += "/"
	}
	return kind + handle + ".ics"
}

func handleFromPath(p string) string {
	return strings.TrimSuffix(path.Base(p), ".ics")
}

func firstEvent(cal *ical.Calendar) *ical.Component {
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			return comp
		}
	}
	return nil
}

// recordCalendar renders a field list as a single-VEVENT calendar.
func recordCalendar(handle string, fs []fields.Field, names fields.Names, now time.Time) *ical.Calendar {
	values := fields.Map(fs)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, caldavProductID)

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, handle+"@calmirror")
	vevent.Props.SetText(propHandle, handle)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

	setText := func(name, key string) {
		if v := values[key]; v != "" {
			vevent.Props.SetText(name, v)
		}
	}
	setText(ical.PropSummary, names.Name)
	setText(ical.PropDescription, names.Description)
	setText(ical.PropLocation, names.Location)
	setText(propSourceUID, names.UID)
	if v := values[names.URL]; v != "" {
		prop := ical.NewProp(ical.PropURL)
		prop.SetValueType(ical.ValueURI)
		prop.Value = v
		vevent.Props.Set(prop)
	}

	allDay, _ := strconv.ParseBool(values[names.AllDay])
	setTime := func(name, key string) {
		t, err := fields.ParseTime(values[key])
		if err != nil {
			return
		}
		if allDay {
			vevent.Props.SetDate(name, t)
		} else {
			vevent.Props.SetDateTime(name, t)
		}
	}
	setTime(ical.PropDateTimeStart, names.Start)
	setTime(ical.PropDateTimeEnd, names.End)

	cal.Children = append(cal.Children, vevent.Component)
	return cal
}

// eventFields is the inverse of recordCalendar.
func eventFields(ev *ical.Component, names fields.Names) map[string]string {
	out := make(map[string]string)
	text := func(name, key string) {
		if p := ev.Props.Get(name); p != nil && p.Value != "" {
			out[key] = p.Value
		}
	}
	text(ical.PropSummary, names.Name)
	text(ical.PropDescription, names.Description)
	text(ical.PropLocation, names.Location)
	text(ical.PropURL, names.URL)
	text(propSourceUID, names.UID)

	allDay := false
	if p := ev.Props.Get(ical.PropDateTimeStart); p != nil {
		allDay = p.ValueType() == ical.ValueDate
		if t, err := p.DateTime(time.UTC); err == nil {
			out[names.Start] = fields.FormatTime(t)
		}
	}
	if p := ev.Props.Get(ical.PropDateTimeEnd); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			out[names.End] = fields.FormatTime(t)
		}
	}
	out[names.AllDay] = strconv.FormatBool(allDay)
	return out
}
