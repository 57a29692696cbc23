// -------------------------------------------------------------------------------
// UI Handler - Built-in Operations Dashboard
//
// Author: Alex Freidah
//
// HTTP handler for the built-in operations dashboard. Renders a server-side
// HTML page with spot photo coverage, photo cache utilization, database
// breaker state, background service status, and a configuration summary.
// Also provides a JSON endpoint with the same data for programmatic access.
// -------------------------------------------------------------------------------

package ui

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/lifecycle"
	"github.com/afreidah/spotkeeper/internal/store"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// StatsSource reports spot photo coverage.
type StatsSource interface {
	SpotStats(ctx context.Context) (store.SpotStats, error)
}

// DatabaseHealth reports the database circuit breaker state.
type DatabaseHealth interface {
	IsHealthy() bool
	State() string
}

// ServiceReporter lists background service states.
type ServiceReporter interface {
	Statuses() []lifecycle.Status
}

// CacheStats reports photo cache occupancy.
type CacheStats interface {
	Len() int
	Bytes() int64
}

// Deps wires the dashboard to the running process. Config is read on every
// request so reloaded values show up without a restart.
type Deps struct {
	Stats    StatsSource
	Database DatabaseHealth
	Services ServiceReporter
	Photos   CacheStats
	Config   func() *config.Config
}

// Handler serves the operations dashboard.
type Handler struct {
	deps      Deps
	templates *template.Template
}

// New creates a new UI handler.
func New(d Deps) *Handler {
	return &Handler{deps: d, templates: loadTemplates()}
}

// Register mounts the UI routes on the given mux under prefix.
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("GET "+prefix+"/{$}", h.handleDashboard)
	mux.HandleFunc("GET "+prefix+"/api/dashboard", h.handleAPIDashboard)
}

// DashboardData is everything the dashboard shows.
type DashboardData struct {
	Version     string             `json:"version"`
	DBHealthy   bool               `json:"db_healthy"`
	DBState     string             `json:"db_state"`
	Spots       store.SpotStats    `json:"spots"`
	PhotoCache  cacheSummary       `json:"photo_cache"`
	Services    []lifecycle.Status `json:"services"`
	Config      configSummary      `json:"config"`
	GeneratedAt time.Time          `json:"generated_at"`
}

type cacheSummary struct {
	Entries    int64 `json:"entries"`
	MaxEntries int64 `json:"max_entries"`
	Bytes      int64 `json:"bytes"`
	MaxBytes   int64 `json:"max_bytes"`
}

// configSummary holds non-sensitive configuration for display.
type configSummary struct {
	SearchTTL        time.Duration `json:"search_ttl"`
	BiasRadiusMeters float64       `json:"bias_radius_meters"`
	MaxResults       int           `json:"max_results"`
	BackfillInterval time.Duration `json:"backfill_interval"`
	BackfillLimit    int           `json:"backfill_limit"`
	RedisEnabled     bool          `json:"redis_enabled"`
	RateLimitEnabled bool          `json:"rate_limit_enabled"`
}

// collect gathers dashboard data. A failed stats query leaves the spot
// counts at zero rather than failing the page.
func (h *Handler) collect(ctx context.Context) (*DashboardData, error) {
	cfg := h.deps.Config()
	data := &DashboardData{
		Version:     telemetry.Version,
		DBHealthy:   true,
		Services:    []lifecycle.Status{},
		GeneratedAt: time.Now().UTC(),
		PhotoCache: cacheSummary{
			MaxEntries: int64(cfg.Photos.CacheEntries),
			MaxBytes:   cfg.Photos.CacheBytes,
		},
		Config: configSummary{
			SearchTTL:        cfg.Search.ResponseTTL,
			BiasRadiusMeters: cfg.Search.BiasRadiusMeters,
			MaxResults:       cfg.Search.MaxResults,
			BackfillInterval: cfg.Photos.BackfillInterval,
			BackfillLimit:    cfg.Photos.BackfillLimit,
			RedisEnabled:     cfg.Redis.Enabled,
			RateLimitEnabled: cfg.RateLimit.Enabled,
		},
	}

	if h.deps.Database != nil {
		data.DBHealthy = h.deps.Database.IsHealthy()
		data.DBState = h.deps.Database.State()
	}
	if h.deps.Services != nil {
		data.Services = h.deps.Services.Statuses()
	}
	if h.deps.Photos != nil {
		data.PhotoCache.Entries = int64(h.deps.Photos.Len())
		data.PhotoCache.Bytes = h.deps.Photos.Bytes()
	}
	if h.deps.Stats != nil {
		stats, err := h.deps.Stats.SpotStats(ctx)
		if err != nil {
			return data, err
		}
		data.Spots = stats
	}
	return data, nil
}

// handleDashboard renders the HTML dashboard page.
func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := h.collect(r.Context())
	if err != nil {
		slog.Warn("UI: spot stats unavailable", "error", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, "dashboard.html", data); err != nil {
		slog.Error("UI: failed to render dashboard", "error", err)
	}
}

// handleAPIDashboard returns dashboard data as JSON.
func (h *Handler) handleAPIDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := h.collect(r.Context())
	if err != nil {
		slog.Warn("UI: spot stats unavailable", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}
