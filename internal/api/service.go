// Package api provides the HTTP handlers for triggering analysis runs and
// querying traders and analysis snapshots.
//
// Handlers read the run cache's current snapshot; they never recompute
// results for a query.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/MoonCraze/trader-selection/internal/analysis"
	"github.com/MoonCraze/trader-selection/internal/archetype"
	"github.com/MoonCraze/trader-selection/internal/model"
	"github.com/MoonCraze/trader-selection/internal/query"
	"github.com/MoonCraze/trader-selection/internal/runcache"
	"github.com/MoonCraze/trader-selection/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Service serves the trader and analysis endpoints.
type Service struct {
	source  store.Source
	engine  *analysis.Engine
	cache   *runcache.Cache
	limiter *rate.Limiter // guards manual runs
}

// NewService creates the HTTP service. Pass a nil limiter to allow
// unlimited manual runs.
func NewService(src store.Source, engine *analysis.Engine, cache *runcache.Cache, limiter *rate.Limiter) *Service {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Service{
		source:  src,
		engine:  engine,
		cache:   cache,
		limiter: limiter,
	}
}

// Routes returns the /api/v1 routes.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/stats", s.GetStats)

	r.Get("/traders", s.ListTraders)
	r.Get("/traders/top/ranked", s.TopTraders)
	r.Get("/traders/filter", s.FilterTraders)
	r.Get("/traders/{wallet}", s.GetTrader)

	r.Post("/analysis/run", s.RunAnalysis)
	r.Get("/analysis/results", s.GetResults)
	r.Get("/analysis/summary", s.GetSummary)
	r.Get("/analysis/personas", s.GetPersonas)
	r.Get("/analysis/recommendations", s.GetRecommendations)
	r.Get("/analysis/high-confidence", s.GetHighConfidence)
	r.Get("/analysis/risk/{category}", s.GetByRisk)
	r.Get("/analysis/overview", s.GetOverview)
	r.Get("/analysis/traders/{wallet}", s.GetTraderAnalysis)
	return r
}

// Refresh fetches the current population and forces an analysis run,
// joining one already in flight for identical data.
func (s *Service) Refresh(ctx context.Context) (runcache.Result, error) {
	records, err := s.source.FetchTraders(ctx, store.AnalysisFilter())
	if err != nil {
		return runcache.Result{}, err
	}
	return s.cache.Refresh(ctx, records, s.engine.Run)
}

// snapshot returns the current snapshot, running an analysis first if none
// has completed yet.
func (s *Service) snapshot(ctx context.Context) (*model.AnalysisSnapshot, error) {
	if snap := s.cache.Current(); snap != nil {
		return snap, nil
	}
	records, err := s.source.FetchTraders(ctx, store.AnalysisFilter())
	if err != nil {
		return nil, err
	}
	return s.cache.GetOrRun(ctx, records, s.engine.Run)
}

// --- Response types ---

// RunResponse is the JSON body returned from POST /analysis/run.
type RunResponse struct {
	Status         string           `json:"status"`
	SnapshotID     string           `json:"snapshot_id"`
	CatalogVersion string           `json:"catalog_version"`
	Joined         bool             `json:"joined_in_progress"`
	DurationMS     int64            `json:"duration_ms"`
	Summary        model.RunSummary `json:"summary"`
}

// ResultsResponse wraps a page of analysis rows.
type ResultsResponse struct {
	SnapshotID string                 `json:"snapshot_id"`
	CreatedAt  time.Time              `json:"created_at"`
	Count      int                    `json:"count"`
	Results    []model.TraderAnalysis `json:"results"`
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status            string     `json:"status"`
	Service           string     `json:"service"`
	Database          string     `json:"database"`
	AnalysisAvailable bool       `json:"analysis_available"`
	SnapshotID        string     `json:"snapshot_id,omitempty"`
	SnapshotCreatedAt *time.Time `json:"snapshot_created_at,omitempty"`
}

// --- HTTP Handlers ---

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Service: "trader-selection", Database: "connected"}
	if err := s.source.Ping(ctx); err != nil {
		slog.Warn("health check: data source unreachable", "err", err)
		resp.Status = "degraded"
		resp.Database = "unreachable"
	}
	if snap := s.cache.Current(); snap != nil {
		resp.AnalysisAvailable = true
		resp.SnapshotID = snap.ID
		resp.SnapshotCreatedAt = &snap.CreatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.source.Stats(r.Context())
	if err != nil {
		s.writeSourceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListTraders handles GET /api/v1/traders?limit=&offset=&exclude_bots=
func (s *Service) ListTraders(w http.ResponseWriter, r *http.Request) {
	p := params{r: r}
	f := store.Filter{
		ExcludeBots: p.boolParam("exclude_bots", true),
		Limit:       p.limit(defaultListLimit),
		Offset:      p.intParam("offset", 0),
	}
	if p.err != nil {
		writeError(w, p.err.Error(), http.StatusBadRequest)
		return
	}
	s.writeTraders(w, r, f)
}

// TopTraders handles GET /api/v1/traders/top/ranked?metric=&limit=
func (s *Service) TopTraders(w http.ResponseWriter, r *http.Request) {
	p := params{r: r}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = string(store.SortRealizedProfit)
	}
	sortBy, err := store.ParseSort(metric)
	if err != nil || sortBy == store.SortNone {
		writeError(w, "invalid metric", http.StatusBadRequest)
		return
	}
	f := store.Filter{
		ExcludeBots: p.boolParam("exclude_bots", true),
		SortBy:      sortBy,
		Limit:       p.limit(10),
	}
	if p.err != nil {
		writeError(w, p.err.Error(), http.StatusBadRequest)
		return
	}
	s.writeTraders(w, r, f)
}

// FilterTraders handles GET /api/v1/traders/filter
func (s *Service) FilterTraders(w http.ResponseWriter, r *http.Request) {
	p := params{r: r}
	sortBy, err := store.ParseSort(r.URL.Query().Get("sort_by"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f := store.Filter{
		ExcludeBots: p.boolParam("exclude_bots", true),
		MinWinRate:  p.floatParam("min_win_rate", 0),
		MinTrades:   int64(p.intParam("min_trades", 0)),
		MinVolume:   p.floatParam("min_volume", 0),
		MinProfit:   p.floatParam("min_profit", 0),
		SortBy:      sortBy,
		Limit:       p.limit(defaultListLimit),
		Offset:      p.intParam("offset", 0),
	}
	if p.err != nil {
		writeError(w, p.err.Error(), http.StatusBadRequest)
		return
	}
	s.writeTraders(w, r, f)
}

func (s *Service) writeTraders(w http.ResponseWriter, r *http.Request, f store.Filter) {
	traders, err := s.source.FetchTraders(r.Context(), f)
	if err != nil {
		s.writeSourceError(w, err)
		return
	}
	if traders == nil {
		traders = []model.TraderRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(traders),
		"traders": traders,
	})
}

// GetTrader handles GET /api/v1/traders/{wallet}
func (s *Service) GetTrader(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	t, err := s.source.FetchTrader(r.Context(), wallet)
	if err != nil {
		s.writeSourceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RunAnalysis handles POST /api/v1/analysis/run
func (s *Service) RunAnalysis(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, "analysis run rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	res, err := s.Refresh(r.Context())
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	snap := res.Snapshot
	slog.Info("analysis run served",
		"id", snap.ID,
		"joined", res.Joined,
		"traders", snap.Summary.TotalTraders,
	)
	writeJSON(w, http.StatusOK, RunResponse{
		Status:         "completed",
		SnapshotID:     snap.ID,
		CatalogVersion: snap.CatalogVersion,
		Joined:         res.Joined,
		DurationMS:     snap.Duration.Milliseconds(),
		Summary:        snap.Summary,
	})
}

// GetResults handles GET /api/v1/analysis/results
func (s *Service) GetResults(w http.ResponseWriter, r *http.Request) {
	p := params{r: r}
	f := query.Filter{
		Persona:       r.URL.Query().Get("persona"),
		MinCopyScore:  p.floatParam("min_score", 0),
		MinTrades:     p.floatParam("min_trades", 0),
		ValidatedOnly: p.boolParam("validated_only", false),
		Limit:         p.limit(defaultListLimit),
		Offset:        p.intParam("offset", 0),
	}
	if risk := r.URL.Query().Get("risk"); risk != "" {
		rc, err := query.ParseRisk(risk)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Risk = rc
	}
	if p.err != nil {
		writeError(w, p.err.Error(), http.StatusBadRequest)
		return
	}

	snap, ok := s.requireSnapshot(w, r)
	if !ok {
		return
	}
	writeResults(w, snap, query.Apply(snap.Traders, f))
}

// GetSummary handles GET /api/v1/analysis/summary
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot_id":     snap.ID,
		"catalog_version": snap.CatalogVersion,
		"created_at":      snap.CreatedAt,
		"summary":         snap.Summary,
	})
}

// GetPersonas handles GET /api/v1/analysis/personas
func (s *Service) GetPersonas(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot_id": snap.ID,
		"personas":    snap.Personas,
		"catalog":     s.engine.Catalog().Definitions(),
	})
}

// GetRecommendations handles GET /api/v1/analysis/recommendations?min_score=&limit=
func (s *Service) GetRecommendations(w http.ResponseWriter, r *http.Request) {
	p := params{r: r}
	minScore := p.floatParam("min_score", query.DefaultRecommendationScore)
	limit := p.limit(20)
	if p.err == nil && (minScore < 0 || minScore > 100) {
		writeError(w, "min_score must be between 0 and 100", http.StatusBadRequest)
		return
	}
	if p.err != nil {
		writeError(w, p.err.Error(), http.StatusBadRequest)
		return
	}

	snap, ok := s.requireSnapshot(w, r)
	if !ok {
		return
	}
	writeResults(w, snap, query.Recommendations(snap.Traders, minScore, limit))
}

// GetHighConfidence handles GET /api/v1/analysis/high-confidence?limit=
func (s *Service) GetHighConfidence(w http.ResponseWriter, r *http.Request) {
	p := params{r: r}
	limit := p.limit(50)
	if p.err != nil {
		writeError(w, p.err.Error(), http.StatusBadRequest)
		return
	}

	snap, ok := s.requireSnapshot(w, r)
	if !ok {
		return
	}
	writeResults(w, snap, query.HighConfidence(snap.Traders, limit))
}

// GetByRisk handles GET /api/v1/analysis/risk/{category}
func (s *Service) GetByRisk(w http.ResponseWriter, r *http.Request) {
	p := params{r: r}
	limit := p.limit(50)
	if p.err != nil {
		writeError(w, p.err.Error(), http.StatusBadRequest)
		return
	}
	category := chi.URLParam(r, "category")
	if _, err := query.ParseRisk(category); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, ok := s.requireSnapshot(w, r)
	if !ok {
		return
	}
	rows, _ := query.ByRisk(snap.Traders, category, limit)
	writeResults(w, snap, rows)
}

// GetOverview handles GET /api/v1/analysis/overview
func (s *Service) GetOverview(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot_id": snap.ID,
		"overview":    query.BuildOverview(snap.Traders),
	})
}

// GetTraderAnalysis handles GET /api/v1/analysis/traders/{wallet}
func (s *Service) GetTraderAnalysis(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	snap, ok := s.requireSnapshot(w, r)
	if !ok {
		return
	}
	t, found := snap.Trader(wallet)
	if !found {
		writeError(w, "trader not in current analysis", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Helpers ---

func (s *Service) requireSnapshot(w http.ResponseWriter, r *http.Request) (*model.AnalysisSnapshot, bool) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.writeRunError(w, err)
		return nil, false
	}
	return snap, true
}

func (s *Service) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, archetype.ErrInsufficientData):
		writeError(w, "analysis unavailable: "+err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, "analysis timed out", http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		w.WriteHeader(499)
	default:
		s.writeSourceError(w, err)
	}
}

func (s *Service) writeSourceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTraderNotFound):
		writeError(w, "trader not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidSort):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		writeError(w, "data source unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeResults(w http.ResponseWriter, snap *model.AnalysisSnapshot, rows []model.TraderAnalysis) {
	writeJSON(w, http.StatusOK, ResultsResponse{
		SnapshotID: snap.ID,
		CreatedAt:  snap.CreatedAt,
		Count:      len(rows),
		Results:    rows,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// params parses query parameters, keeping the first error.
type params struct {
	r   *http.Request
	err error
}

func (p *params) raw(key string) string { return p.r.URL.Query().Get(key) }

func (p *params) intParam(key string, def int) int {
	v := p.raw(key)
	if v == "" || p.err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.err = errors.New("invalid " + key)
		return def
	}
	return n
}

func (p *params) floatParam(key string, def float64) float64 {
	v := p.raw(key)
	if v == "" || p.err != nil {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		p.err = errors.New("invalid " + key)
		return def
	}
	return f
}

func (p *params) boolParam(key string, def bool) bool {
	v := p.raw(key)
	if v == "" || p.err != nil {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = errors.New("invalid " + key)
		return def
	}
	return b
}

func (p *params) limit(def int) int {
	n := p.intParam("limit", def)
	if n == 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
