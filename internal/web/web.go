package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"calmirror/internal/config"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/reconcile"
	"calmirror/internal/syncer"
)

const occurrencesCacheTTL = 30 * time.Second

// Server exposes the sync trigger and read-only views of the desired state
// as a JSON API.
type Server struct {
	runner *syncer.Runner
	mux    *http.ServeMux

	cfgMu sync.RWMutex
	cfg   *config.Config
	// base outlives individual requests; only Serve's ctx cancels a
	// triggered run.
	base context.Context

	// NextRun, if set, reports the scheduler's next planned run.
	NextRun func() time.Time

	// In-memory cache for /api/occurrences responses to avoid redundant
	// fetch/parse/expand work on every HTTP request.
	occMu    sync.RWMutex
	occCache map[int]*occurrencesCache
	now      func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, runner *syncer.Runner) *Server {
	s := &Server{
		runner:   runner,
		cfg:      cfg,
		mux:      http.NewServeMux(),
		occCache: make(map[int]*occurrencesCache),
		now:      time.Now,
	}
	s.registerRoutes()
	return s
}

// SetConfig swaps the configuration used for basic auth after a reload and
// drops cached responses.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	s.occMu.Lock()
	s.occCache = make(map[int]*occurrencesCache)
	s.occMu.Unlock()
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.basicAuthMiddleware(s.mux)
}

// basicAuth returns the configured credentials, or ok=false when basic
// auth is disabled. Empty usernames or passwords disable it.
func (s *Server) basicAuth() (user, pass string, ok bool) {
	cfg := s.config()
	if cfg == nil || cfg.BasicAuth == nil {
		return "", "", false
	}
	if cfg.BasicAuth.Username == "" || cfg.BasicAuth.Password == "" {
		return "", "", false
	}
	return cfg.BasicAuth.Username, cfg.BasicAuth.Password, true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, enabled := s.basicAuth()
		if !enabled || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calmirror", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.cfgMu.Lock()
	s.base = ctx
	s.cfgMu.Unlock()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("GET /api/plan", s.handlePlan)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type runDTO struct {
	Result *syncer.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type statusResponse struct {
	Running bool       `json:"running"`
	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *runDTO    `json:"last_run,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Running: s.runner.Running()}
	if s.NextRun != nil {
		if next := s.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	if last, err := s.runner.Last(); last != nil {
		resp.LastRun = &runDTO{Result: last}
		if err != nil {
			resp.LastRun.Error = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	Handle      string     `json:"handle"`
	UID         string     `json:"uid,omitempty"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	URL         string     `json:"url,omitempty"`
	AllDay      bool       `json:"all_day"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
}

func toDTO(occ model.Occurrence) occurrenceDTO {
	dto := occurrenceDTO{
		Handle:      occ.Handle,
		UID:         occ.UID,
		Summary:     occ.Summary,
		Description: occ.Description,
		Location:    occ.Location,
		URL:         occ.URL,
		AllDay:      occ.AllDay,
		Start:       occ.Start,
	}
	if occ.HasEnd() {
		end := occ.End
		dto.End = &end
	}
	return dto
}

type rejectionDTO struct {
	UID     string `json:"uid"`
	Summary string `json:"summary"`
	Error   string `json:"error"`
}

// occurrencesResponse is the JSON response shape for /api/occurrences.
type occurrencesResponse struct {
	Occurrences   []occurrenceDTO `json:"occurrences"`
	Rejected      []rejectionDTO  `json:"rejected,omitempty"`
	TruncatedUIDs []string        `json:"truncated_uids,omitempty"`
	RangeStart    time.Time       `json:"range_start"`
	RangeEnd      time.Time       `json:"range_end"`
	LookaheadDays int             `json:"lookahead_days"`
	LookaheadTier config.Tier     `json:"lookahead_tier"`
}

type occurrencesCache struct {
	resp      occurrencesResponse
	updatedAt time.Time
}

// handleOccurrences previews the desired occurrence set.
//
// GET /api/occurrences?lookahead_days=30
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("lookahead_days"), 0)
	if days < 0 {
		writeError(w, http.StatusBadRequest, "lookahead_days must not be negative")
		return
	}

	s.occMu.RLock()
	oc := s.occCache[days]
	s.occMu.RUnlock()
	if oc != nil && s.now().Sub(oc.updatedAt) < occurrencesCacheTTL {
		writeJSON(w, http.StatusOK, oc.resp)
		return
	}

	desired, err := s.runner.Syncer().Desired(r.Context(), config.Override{LookaheadDays: days})
	if err != nil {
		writeRunError(w, "api occurrences", err)
		return
	}

	resp := occurrencesResponse{
		Occurrences:   make([]occurrenceDTO, 0, len(desired.Occurrences)),
		TruncatedUIDs: desired.Truncated,
		RangeStart:    desired.WindowStart,
		RangeEnd:      desired.WindowEnd,
		LookaheadDays: desired.Settings.LookaheadDays,
		LookaheadTier: desired.Settings.LookaheadTier,
	}
	for _, occ := range desired.Occurrences {
		resp.Occurrences = append(resp.Occurrences, toDTO(occ))
	}
	for _, rej := range desired.Rejected {
		resp.Rejected = append(resp.Rejected, rejectionDTO{UID: rej.UID, Summary: rej.Summary, Error: rej.Err.Error()})
	}

	s.occMu.Lock()
	s.occCache[days] = &occurrencesCache{resp: resp, updatedAt: s.now()}
	s.occMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

type planUpdateDTO struct {
	RecordID string `json:"record_id"`
	Handle   string `json:"handle"`
}

type planResponse struct {
	Creates []string           `json:"creates"`
	Updates []planUpdateDTO    `json:"updates"`
	Deletes []reconcile.Delete `json:"deletes"`
	Desired int                `json:"desired"`
	Exists  int                `json:"existing"`
}

// handlePlan returns the mutations a sync would apply, without applying
// them.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	override := config.Override{LookaheadDays: parseIntDefault(r.URL.Query().Get("lookahead_days"), 0)}
	desired, plan, existing, err := s.runner.Syncer().Plan(r.Context(), override)
	if err != nil {
		writeRunError(w, "api plan", err)
		return
	}
	resp := planResponse{
		Creates: make([]string, 0, len(plan.Creates)),
		Updates: make([]planUpdateDTO, 0, len(plan.Updates)),
		Deletes: plan.Deletes,
		Desired: len(desired.Occurrences),
		Exists:  len(existing),
	}
	if resp.Deletes == nil {
		resp.Deletes = []reconcile.Delete{}
	}
	for _, occ := range plan.Creates {
		resp.Creates = append(resp.Creates, occ.Handle)
	}
	for _, u := range plan.Updates {
		resp.Updates = append(resp.Updates, planUpdateDTO{RecordID: u.RecordID, Handle: u.Occurrence.Handle})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync runs a sync and returns its result. The optional JSON body
// overrides the feed URL and lookahead for this run only.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var override config.Override
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&override)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if override.LookaheadDays < 0 {
		writeError(w, http.StatusBadRequest, "lookahead_days must not be negative")
		return
	}

	res, err := s.runner.Run(s.runContext(r), override)
	if errors.Is(err, syncer.ErrRunInProgress) {
		writeError(w, http.StatusConflict, "a sync run is already in progress")
		return
	}
	if err != nil {
		writeRunError(w, "api sync", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// runContext detaches a triggered run from its request, so a client that
// disconnects does not stop the run between plan items.
func (s *Server) runContext(r *http.Request) context.Context {
	s.cfgMu.RLock()
	base := s.base
	s.cfgMu.RUnlock()
	if base != nil {
		return base
	}
	return context.WithoutCancel(r.Context())
}

// writeRunError maps fatal run errors: upstream failures (feed, store) are
// 502, everything else 500.
func writeRunError(w http.ResponseWriter, op string, err error) {
	appLog.Error(op+" failed", err)
	status := http.StatusInternalServerError
	var stageErr *syncer.StageError
	if errors.As(err, &stageErr) && stageErr.Upstream() {
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
