package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"calmirror/internal/fields"
)

func TestOpenSelectsBackendByScheme(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "records.db")
	cases := []struct {
		dsn  string
		want string
	}{
		{"memory://", "*store.MemoryStore"},
		{"https://cms.example.com/v2", "*store.HTTPClient"},
		{"sqlite://" + dbPath, "*store.SQLStore"},
		{"caldavs://alice:pw@dav.example.com/", "*store.CalDAVStore"},
	}
	for _, tc := range cases {
		s, err := Open(tc.dsn, Options{})
		if err != nil {
			t.Fatalf("Open(%q): %v", tc.dsn, err)
		}
		if got := fmt.Sprintf("%T", s); got != tc.want {
			t.Errorf("Open(%q) = %s, want %s", tc.dsn, got, tc.want)
		}
		if err := Close(s); err != nil {
			t.Errorf("Close(%q): %v", tc.dsn, err)
		}
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	for _, dsn := range []string{"", "ftp://example.com", "sqlite://"} {
		if _, err := Open(dsn, Options{}); !errors.Is(err, ErrInvalidDSN) {
			t.Errorf("Open(%q) err = %v, want ErrInvalidDSN", dsn, err)
		}
	}
}

func TestErrorMatching(t *testing.T) {
	var err error = &DuplicateHandleError{Handle: "a-1", ExistingID: "x"}
	if !errors.Is(err, ErrDuplicateHandle) {
		t.Fatalf("duplicate error should match ErrDuplicateHandle")
	}
	err = fmt.Errorf("wrapped: %w", &ValidationError{Message: "bad"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("validation error should match ErrValidation")
	}
	if !IsTransient(&HTTPError{StatusCode: 503}) || !IsTransient(&HTTPError{StatusCode: 429}) {
		t.Fatalf("429 and 5xx should be transient")
	}
	if IsTransient(&HTTPError{StatusCode: 403}) || IsTransient(ErrNotFound) || IsTransient(nil) {
		t.Fatalf("403, not found and nil are not transient")
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	fs := []fields.Field{{Key: "name", Value: "Standup"}}

	id, err := m.Create(ctx, "events", "standup-1", fs)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = m.Create(ctx, "events", "standup-1", fs)
	var dup *DuplicateHandleError
	if !errors.As(err, &dup) || dup.ExistingID != id {
		t.Fatalf("second Create err = %v, want duplicate of %s", err, id)
	}

	if err := m.Update(ctx, "events", id, []fields.Field{{Key: "name", Value: "Retro"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := m.Publish(ctx, "events", id); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	recs, _ := m.List(ctx, "events")
	if len(recs) != 1 || recs[0].Fields["name"] != "Retro" || !recs[0].Published {
		t.Fatalf("unexpected records %+v", recs)
	}

	if err := m.Delete(ctx, "events", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ctx, "events", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
	if err := m.Update(ctx, "events", id, fs); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update of deleted record err = %v, want ErrNotFound", err)
	}
}
