// Package store defines the remote record store the reconciler writes to and
// its backends: an HTTP CMS API, SQL (SQLite / PostgreSQL), CalDAV and an
// in-memory store.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"calmirror/internal/fields"
)

var (
	// ErrDuplicateHandle is matched by *DuplicateHandleError.
	ErrDuplicateHandle = errors.New("store: duplicate handle")
	ErrNotFound        = errors.New("store: record not found")
	// ErrValidation is matched by *ValidationError.
	ErrValidation = errors.New("store: validation failed")
	ErrInvalidDSN = errors.New("store: invalid dsn")
)

// Record is a store's view of one mirrored occurrence.
type Record struct {
	ID        string
	Handle    string
	Fields    map[string]string
	Published bool
}

// Store is the contract the reconciler needs. Each call is a single bounded
// request; implementations must not retry mutations on their own.
type Store interface {
	// List returns every record of kind.
	List(ctx context.Context, kind string) ([]Record, error)
	// Create inserts a record keyed by handle. A handle that already exists
	// yields a *DuplicateHandleError.
	Create(ctx context.Context, kind, handle string, fs []fields.Field) (string, error)
	// Update replaces the fields of record id, or returns ErrNotFound.
	Update(ctx context.Context, kind, id string, fs []fields.Field) error
	// Delete removes record id, or returns ErrNotFound.
	Delete(ctx context.Context, kind, id string) error
}

// Publisher is implemented by stores that keep written records in a draft
// state until they are explicitly published.
type Publisher interface {
	Publish(ctx context.Context, kind, id string) error
}

// DuplicateHandleError reports a create that collided with an existing
// record. ExistingID is set when the store revealed which record it was.
type DuplicateHandleError struct {
	Handle     string
	ExistingID string
}

func (e *DuplicateHandleError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("store: handle %q already used by record %s", e.Handle, e.ExistingID)
	}
	return fmt.Sprintf("store: handle %q already exists", e.Handle)
}

func (e *DuplicateHandleError) Is(target error) bool {
	return target == ErrDuplicateHandle
}

// ValidationError is a store rejecting a field value. It is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "store: validation failed: " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// HTTPError is a non-2xx response not covered by the sentinel errors.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth attempting again on a later run:
// network failures, 429 and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Options carries settings that are not part of a DSN.
type Options struct {
	// Token authenticates the HTTP backend.
	Token string
	// RequestsPerMinute caps HTTP backend traffic; zero disables limiting.
	RequestsPerMinute int
	// Names tells the CalDAV backend which field keys carry which attribute.
	Names fields.Names
}

// Open builds a Store from a DSN. The scheme selects the backend:
//
//	http://, https://      JSON CMS API
//	sqlite://path          SQLite file
//	postgres://...         PostgreSQL
//	caldav://, caldavs://  CalDAV server (caldavs uses TLS)
//	memory://              in-process store
func Open(dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDSN)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return NewHTTPClient(dsn, opts.Token, HTTPClientOptions{RequestsPerMinute: opts.RequestsPerMinute}), nil
	case "sqlite", "sqlite3":
		path := strings.TrimPrefix(dsn, parsed.Scheme+"://")
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite path is empty", ErrInvalidDSN)
		}
		return OpenSQL("sqlite3", path)
	case "postgres", "postgresql":
		return OpenSQL("postgres", dsn)
	case "caldav", "caldavs":
		scheme := "http"
		if strings.ToLower(parsed.Scheme) == "caldavs" {
			scheme = "https"
		}
		endpoint := *parsed
		endpoint.Scheme = scheme
		user := endpoint.User
		endpoint.User = nil
		var username, password string
		if user != nil {
			username = user.Username()
			password, _ = user.Password()
		}
		return NewCalDAVStore(endpoint.String(), username, password, opts.Names)
	case "memory", "mem":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, parsed.Scheme)
	}
}

// Close releases backend resources when the store holds any.
func Close(s Store) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
