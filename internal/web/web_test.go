package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"calmirror/internal/config"
	"calmirror/internal/ics"
	"calmirror/internal/store"
	"calmirror/internal/syncer"
)

const testFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//calmirror//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:daily@example.com\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260302T090000Z\r\n" +
	"DTEND:20260302T100000Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=3\r\n" +
	"SUMMARY:Standup\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type fixture struct {
	server    *Server
	feedHits  *int32
	store     *store.MemoryStore
	cfg       *config.Config
	feedState *int32 // 0 ok, 1 failing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv(config.EnvFeedURL, "")
	t.Setenv(config.EnvLookaheadDays, "")

	var hits, failing int32
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if atomic.LoadInt32(&failing) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(testFeed))
	}))
	t.Cleanup(feed.Close)

	cfg := config.DefaultConfig()
	cfg.Feed.URL = feed.URL + "/feed.ics"
	cfg.Feed.LookaheadDays = 30
	cfg.Feed.CacheDir = ""

	st := store.NewMemoryStore()
	s, err := syncer.New(cfg, st)
	if err != nil {
		t.Fatalf("syncer.New: %v", err)
	}
	s.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	s.Sleep = func(context.Context, time.Duration) error { return nil }

	return &fixture{
		server:    NewServer(cfg, syncer.NewRunner(s)),
		feedHits:  &hits,
		store:     st,
		cfg:       cfg,
		feedState: &failing,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t)
	cfg := *f.cfg
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "ops", Password: "pw"}
	f.server.SetConfig(&cfg)

	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("/health must stay open, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("ops", "pw")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
}

func TestOccurrencesAreCached(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/api/occurrences", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("occurrences = %d %s", rec.Code, rec.Body.String())
		}
		resp := decode[occurrencesResponse](t, rec)
		if len(resp.Occurrences) != 3 || resp.LookaheadDays != 30 {
			t.Fatalf("unexpected response %+v", resp)
		}
		if resp.Occurrences[0].Handle != "daily-example-com-1772442000" || resp.Occurrences[0].End == nil {
			t.Fatalf("first occurrence %+v", resp.Occurrences[0])
		}
	}
	if got := atomic.LoadInt32(f.feedHits); got != 1 {
		t.Fatalf("feed fetched %d times, want 1", got)
	}

	rec := f.do(t, http.MethodGet, "/api/occurrences?lookahead_days=2", "")
	if resp := decode[occurrencesResponse](t, rec); len(resp.Occurrences) != 1 || resp.LookaheadTier != config.TierOverride {
		t.Fatalf("override response %+v", resp)
	}
}

func TestPlanThenSync(t *testing.T) {
	f := newFixture(t)
	f.store.Put("events", store.Record{ID: "old", Handle: "old-1700000000"})

	rec := f.do(t, http.MethodGet, "/api/plan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("plan = %d %s", rec.Code, rec.Body.String())
	}
	plan := decode[planResponse](t, rec)
	if len(plan.Creates) != 3 || len(plan.Updates) != 0 || len(plan.Deletes) != 1 || plan.Deletes[0].RecordID != "old" {
		t.Fatalf("plan %+v", plan)
	}

	rec = f.do(t, http.MethodPost, "/api/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sync = %d %s", rec.Code, rec.Body.String())
	}
	res := decode[syncer.Result](t, rec)
	if res.Report.Created != 3 || res.Report.Deleted != 1 {
		t.Fatalf("sync result %+v", res.Report)
	}

	status := decode[statusResponse](t, f.do(t, http.MethodGet, "/api/status", ""))
	if status.Running || status.LastRun == nil || status.LastRun.Result.Report.Applied != 4 {
		t.Fatalf("status %+v", status)
	}
}

func TestSyncErrors(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodPost, "/api/sync", "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/sync", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/sync = %d", rec.Code)
	}

	atomic.StoreInt32(f.feedState, 1)
	rec := f.do(t, http.MethodPost, "/api/sync", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("feed failure = %d %s", rec.Code, rec.Body.String())
	}
}

type gateFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (g *gateFetcher) FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error) {
	g.started <- struct{}{}
	<-g.release
	return ics.FetchResult{Source: src, Body: []byte(testFeed)}, nil
}

func TestSyncConflictWhileRunning(t *testing.T) {
	f := newFixture(t)
	gate := &gateFetcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	f.server.runner.Syncer().Fetcher = gate

	done := make(chan int, 1)
	go func() {
		done <- f.do(t, http.MethodPost, "/api/sync", "").Code
	}()
	<-gate.started

	rec := f.do(t, http.MethodPost, "/api/sync", `{"lookahead_days": 3}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second trigger = %d, want 409", rec.Code)
	}

	close(gate.release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first trigger = %d", code)
	}
}

func TestSyncOutlivesClientDisconnect(t *testing.T) {
	f := newFixture(t)
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps int32
	f.server.runner.Syncer().Sleep = func(ctx context.Context, d time.Duration) error {
		if atomic.AddInt32(&sleeps, 1) == 1 {
			cancel()
		}
		return ctx.Err()
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("sync = %d %s", rec.Code, rec.Body.String())
	}
	recs, err := f.store.List(context.Background(), "events")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("store holds %d records, want 3", len(recs))
	}
}
