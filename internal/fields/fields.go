package fields

import (
	"strconv"
	"time"

	"calmirror/internal/model"
)

// TimestampLayout is the fixed absolute format used for every instant sent
// to a store. Values are always rendered in UTC.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Field is one key/value attribute of a store record.
type Field struct {
	Key   string
	Value string
}

// Names maps the logical occurrence attributes to the store's field keys.
// Empty entries fall back to DefaultNames.
type Names struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Location    string `yaml:"location" json:"location"`
	URL         string `yaml:"url" json:"url"`
	Start       string `yaml:"start" json:"start"`
	End         string `yaml:"end" json:"end"`
	AllDay      string `yaml:"all_day" json:"all_day"`
	UID         string `yaml:"uid" json:"uid"`
}

// DefaultNames returns the field keys used when config does not override them.
func DefaultNames() Names {
	return Names{
		Name:        "name",
		Description: "description",
		Location:    "location",
		URL:         "url",
		Start:       "start",
		End:         "end",
		AllDay:      "all-day",
		UID:         "uid",
	}
}

// WithDefaults fills empty keys from DefaultNames.
func (n Names) WithDefaults() Names {
	d := DefaultNames()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return Names{
		Name:        pick(n.Name, d.Name),
		Description: pick(n.Description, d.Description),
		Location:    pick(n.Location, d.Location),
		URL:         pick(n.URL, d.URL),
		Start:       pick(n.Start, d.Start),
		End:         pick(n.End, d.End),
		AllDay:      pick(n.AllDay, d.AllDay),
		UID:         pick(n.UID, d.UID),
	}
}

// Projector turns occurrences into ordered field lists.
type Projector struct {
	names Names
}

func NewProjector(names Names) Projector {
	return Projector{names: names.WithDefaults()}
}

// Names returns the effective field keys.
func (p Projector) Names() Names {
	return p.names
}

// Project returns the fields for occ in a fixed order, omitting optional
// attributes that are empty. Equal occurrences always project identical
// output.
func (p Projector) Project(occ model.Occurrence) []Field {
	out := make([]Field, 0, 8)
	add := func(key, value string) {
		if value == "" {
			return
		}
		out = append(out, Field{Key: key, Value: value})
	}

	add(p.names.Name, occ.Summary)
	add(p.names.Description, occ.Description)
	add(p.names.Location, occ.Location)
	add(p.names.URL, occ.URL)
	add(p.names.Start, FormatTime(occ.Start))
	if occ.HasEnd() {
		add(p.names.End, FormatTime(occ.End))
	}
	add(p.names.AllDay, strconv.FormatBool(occ.AllDay))
	add(p.names.UID, occ.UID)
	return out
}

// FormatTime renders t with TimestampLayout in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// Map converts an ordered field list into a map, later keys winning.
func Map(fs []Field) map[string]string {
	m := make(map[string]string, len(fs))
	for _, f := range fs {
		m[f.Key] = f.Value
	}
	return m
}
