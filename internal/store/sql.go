package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"calmirror/internal/fields"
)

const sqlRecordsTable = "calmirror_records"

// SQLStore keeps records in a single table shared by all kinds. It works
// with both the "sqlite3" and "postgres" drivers. Records are visible as
// soon as they are written, so SQLStore does not implement Publisher.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// OpenSQL opens the database, verifies connectivity and applies the schema.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	if driver == "sqlite3" {
		if dir := filepath.Dir(dsn); dir != "" && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create db dir: %w", err)
			}
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if driver == "sqlite3" {
		// One writer at a time; the reconciler is sequential anyway.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping db: %w", err)
	}
	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS ` + sqlRecordsTable + ` (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			handle TEXT NOT NULL,
			fields TEXT NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TEXT NOT NULL,
			UNIQUE (kind, handle)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calmirror_records_kind ON ` + sqlRecordsTable + `(kind)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, kind string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, handle, fields, published
		FROM `+sqlRecordsTable+`
		WHERE kind = ?
		ORDER BY id`), kind)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", kind, err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec     Record
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.Handle, &payload, &rec.Published); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
			return nil, fmt.Errorf("store: decode fields of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Create(ctx context.Context, kind, handle string, fs []fields.Field) (string, error) {
	payload, err := json.Marshal(fields.Map(fs))
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO `+sqlRecordsTable+` (id, kind, handle, fields, published, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, handle) DO NOTHING`),
		id, kind, handle, string(payload), true, fields.FormatTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("store: insert %s: %w", handle, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		var existing string
		err := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT id FROM `+sqlRecordsTable+` WHERE kind = ? AND handle = ?`), kind, handle).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("store: lookup duplicate %s: %w", handle, err)
		}
		return "", &DuplicateHandleError{Handle: handle, ExistingID: existing}
	}
	return id, nil
}

func (s *SQLStore) Update(ctx context.Context, kind, id string, fs []fields.Field) error {
	payload, err := json.Marshal(fields.Map(fs))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE `+sqlRecordsTable+`
		SET fields = ?, published = ?, updated_at = ?
		WHERE kind = ? AND id = ?`),
		string(payload), true, fields.FormatTime(s.now()), kind, id)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", id, err)
	}
	return expectOneRow(res)
}

func (s *SQLStore) Delete(ctx context.Context, kind, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM `+sqlRecordsTable+` WHERE kind = ? AND id = ?`), kind, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
