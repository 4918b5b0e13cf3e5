package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"calmirror/internal/fields"
)

func TestSQLStoreSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQL("sqlite3", filepath.Join(t.TempDir(), "nested", "records.db"))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	defer s.Close()

	fs := []fields.Field{{Key: "name", Value: "Standup"}, {Key: "start", Value: "2026-03-01T09:00:00Z"}}
	id, err := s.Create(ctx, "events", "standup-1772355600", fs)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = s.Create(ctx, "events", "standup-1772355600", fs)
	var dup *DuplicateHandleError
	if !errors.As(err, &dup) || dup.ExistingID != id {
		t.Fatalf("duplicate Create err = %v, want ExistingID %s", err, id)
	}

	// Same handle in another kind is independent.
	if _, err := s.Create(ctx, "other", "standup-1772355600", fs); err != nil {
		t.Fatalf("Create in other kind: %v", err)
	}

	if err := s.Update(ctx, "events", id, []fields.Field{{Key: "name", Value: "Retro"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	recs, err := s.List(ctx, "events")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Record{{ID: id, Handle: "standup-1772355600", Fields: map[string]string{"name": "Retro"}, Published: true}}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}

	if err := s.Delete(ctx, "events", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "events", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
	if err := s.Update(ctx, "events", id, fs); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update missing err = %v, want ErrNotFound", err)
	}
}

func TestSQLRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
	lite := &SQLStore{driver: "sqlite3"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
}
