package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"calmirror/internal/fields"
)

func newTestClient(server *httptest.Server) *HTTPClient {
	c := NewHTTPClient(server.URL+"/", "tok", HTTPClientOptions{HTTPClient: server.Client(), PageSize: 2})
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func TestHTTPClientListPaginates(t *testing.T) {
	items := []itemPayload{
		{ID: "1", FieldData: map[string]any{"slug": "a-1", "name": "A"}},
		{ID: "2", IsDraft: true, FieldData: map[string]any{"slug": "b-1", "name": "B"}},
		{ID: "3", FieldData: map[string]any{"slug": "c-1", "all-day": true}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/events/items" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if end > len(items) {
			end = len(items)
		}
		var resp listResponse
		resp.Items = items[offset:end]
		resp.Pagination.Offset = offset
		resp.Pagination.Limit = limit
		resp.Pagination.Total = len(items)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	recs, err := newTestClient(server).List(context.Background(), "events")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[1].Handle != "b-1" || recs[1].Published {
		t.Fatalf("draft record decoded wrong: %+v", recs[1])
	}
	if recs[2].Fields["all-day"] != "true" {
		t.Fatalf("bool field not stringified: %+v", recs[2].Fields)
	}
}

func TestHTTPClientListWithoutTotal(t *testing.T) {
	items := []itemPayload{
		{ID: "1", FieldData: map[string]any{"slug": "a-1"}},
		{ID: "2", FieldData: map[string]any{"slug": "b-1"}},
		{ID: "3", FieldData: map[string]any{"slug": "c-1"}},
		{ID: "4", FieldData: map[string]any{"slug": "d-1"}},
	}
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if end > len(items) {
			end = len(items)
		}
		if offset > end {
			offset = end
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items[offset:end]})
	}))
	defer server.Close()

	recs, err := newTestClient(server).List(context.Background(), "events")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 4 || recs[3].Handle != "d-1" {
		t.Fatalf("got %+v, want all 4 records", recs)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("list requests = %d, want 3", got)
	}
}

func TestHTTPClientCreateConflictCarriesExistingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body itemPayload
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.FieldData["slug"] != "standup-1" {
			t.Errorf("slug not sent: %+v", body.FieldData)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"duplicate","message":"slug taken","existingId":"rec-9"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).Create(context.Background(), "events", "standup-1", []fields.Field{{Key: "name", Value: "Standup"}})
	var dup *DuplicateHandleError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateHandleError", err)
	}
	if dup.ExistingID != "rec-9" || dup.Handle != "standup-1" {
		t.Fatalf("unexpected duplicate %+v", dup)
	}
}

func TestHTTPClientStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{http.StatusUnprocessableEntity, func(err error) bool { return errors.Is(err, ErrValidation) }},
		{http.StatusBadRequest, func(err error) bool { return errors.Is(err, ErrValidation) }},
		{http.StatusForbidden, func(err error) bool {
			var he *HTTPError
			return errors.As(err, &he) && he.StatusCode == http.StatusForbidden
		}},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		err := newTestClient(server).Update(context.Background(), "events", "rec-1", nil)
		server.Close()
		if !tc.check(err) {
			t.Errorf("status %d mapped to %v", tc.status, err)
		}
	}
}

func TestHTTPClientRetriesReadsOnly(t *testing.T) {
	var gets, posts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if atomic.AddInt32(&gets, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"items":[],"pagination":{"total":0}}`))
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	c := newTestClient(server)
	if _, err := c.List(context.Background(), "events"); err != nil {
		t.Fatalf("List should succeed after retries: %v", err)
	}
	if got := atomic.LoadInt32(&gets); got != 3 {
		t.Fatalf("GET attempts = %d, want 3", got)
	}

	_, err := c.Create(context.Background(), "events", "x-1", nil)
	if !IsTransient(err) {
		t.Fatalf("Create err = %v, want transient", err)
	}
	if got := atomic.LoadInt32(&posts); got != 1 {
		t.Fatalf("POST attempts = %d, want 1", got)
	}
}

func TestHTTPClientPublish(t *testing.T) {
	var gotPath string
	var gotBody map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	if err := newTestClient(server).Publish(context.Background(), "events", "rec-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotPath != "/collections/events/items/publish" {
		t.Fatalf("path = %s", gotPath)
	}
	if ids := gotBody["itemIds"]; len(ids) != 1 || ids[0] != "rec-1" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestRetryDelayHonoursRetryAfter(t *testing.T) {
	c := NewHTTPClient("http://x", "", HTTPClientOptions{})
	if d := c.retryDelay(1, "2"); d != 2*time.Second {
		t.Fatalf("retryDelay with Retry-After = %s", d)
	}
	if d := c.retryDelay(1, "60"); d != c.maxDelay {
		t.Fatalf("retryDelay should cap at maxDelay, got %s", d)
	}
	if d := c.retryDelay(2, ""); d != 2*c.baseDelay {
		t.Fatalf("retryDelay backoff = %s", d)
	}
}
