// Package handle derives the deterministic sync key that joins a feed
// occurrence to its store record.
//
// A handle has the shape "<base>-<unix seconds of start>", where base is the
// normalized UID (or summary when the UID is missing). Only the base is ever
// truncated, so two occurrences of the same component never collide.
package handle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"calmirror/internal/model"
)

const (
	// DefaultMaxLength matches the slug limit of the CMS backends we target.
	DefaultMaxLength = 64

	// fallbackBase is used when neither UID nor summary leave any usable
	// characters after normalization.
	fallbackBase = "e"

	// minMaxLength leaves room for the fallback base, a hyphen and a
	// ten-digit timestamp.
	minMaxLength = 12
)

// Assigner computes handles bounded by MaxLength.
type Assigner struct {
	MaxLength int
}

// NewAssigner validates maxLength. Zero selects DefaultMaxLength.
func NewAssigner(maxLength int) (Assigner, error) {
	if maxLength == 0 {
		maxLength = DefaultMaxLength
	}
	if maxLength < minMaxLength {
		return Assigner{}, fmt.Errorf("handle: max length %d is below minimum %d", maxLength, minMaxLength)
	}
	return Assigner{MaxLength: maxLength}, nil
}

// Handle returns the handle for occ. It is pure: the same UID (or summary)
// and start instant always produce the same string.
func (a Assigner) Handle(occ model.Occurrence) string {
	source := occ.UID
	if strings.TrimSpace(source) == "" {
		source = occ.Summary
	}
	return a.build(source, occ.Start)
}

func (a Assigner) build(source string, start time.Time) string {
	maxLen := a.MaxLength
	if maxLen == 0 {
		maxLen = DefaultMaxLength
	}

	base := Normalize(source)
	if base == "" {
		base = fallbackBase
	}
	suffix := "-" + strconv.FormatInt(start.Unix(), 10)

	if room := maxLen - len(suffix); len(base) > room {
		if room < 1 {
			room = 1
		}
		base = strings.TrimRight(base[:room], "-")
		if base == "" {
			base = fallbackBase
		}
	}
	return base + suffix
}

// Normalize lower-cases s, strips diacritics, collapses every run of
// characters outside [a-z0-9] into one hyphen and trims hyphens at both ends.
func Normalize(s string) string {
	s = strings.ToLower(stripDiacritics(s))

	var b strings.Builder
	b.Grow(len(s))
	pendingHyphen := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}

func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
