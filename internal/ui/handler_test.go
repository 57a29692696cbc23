// -------------------------------------------------------------------------------
// UI Handler Tests
//
// Author: Alex Freidah
// -------------------------------------------------------------------------------

package ui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/lifecycle"
	"github.com/afreidah/spotkeeper/internal/store"
)

type fakeStats struct {
	stats store.SpotStats
	err   error
}

func (f *fakeStats) SpotStats(context.Context) (store.SpotStats, error) { return f.stats, f.err }

type fakeDB struct{ healthy bool }

func (f *fakeDB) IsHealthy() bool { return f.healthy }
func (f *fakeDB) State() string {
	if f.healthy {
		return "closed"
	}
	return "open"
}

type fakeServices struct{}

func (fakeServices) Statuses() []lifecycle.Status {
	return []lifecycle.Status{{Name: "photo-backfill", State: lifecycle.StateRunning}}
}

type fakeCache struct{}

func (fakeCache) Len() int     { return 25 }
func (fakeCache) Bytes() int64 { return 10 << 20 }

// newTestHandler builds a Handler wired to fake data for testing.
func newTestHandler(t *testing.T, stats *fakeStats, db *fakeDB) *http.ServeMux {
	t.Helper()

	cfg := &config.Config{
		Photos: config.PhotosConfig{CacheEntries: 100, CacheBytes: 50 << 20, BackfillInterval: 5 * time.Minute, BackfillLimit: 30},
		Search: config.SearchConfig{ResponseTTL: 3 * time.Minute, BiasRadiusMeters: 10000, MaxResults: 10},
	}
	h := New(Deps{
		Stats:    stats,
		Database: db,
		Services: fakeServices{},
		Photos:   fakeCache{},
		Config:   func() *config.Config { return cfg },
	})

	mux := http.NewServeMux()
	h.Register(mux, "/ui")
	return mux
}

func TestDashboard_Returns200HTML(t *testing.T) {
	mux := newTestHandler(t, &fakeStats{stats: store.SpotStats{Total: 1200, WithPhoto: 900, PendingPhoto: 50}}, &fakeDB{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/ui/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"spotkeeper", "1,200", "75.0%", "photo-backfill", "10 MiB"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("response body missing %q", want)
		}
	}
}

func TestDashboard_StatsErrorStillRenders(t *testing.T) {
	mux := newTestHandler(t, &fakeStats{err: errors.New("db down")}, &fakeDB{healthy: false})

	req := httptest.NewRequest(http.MethodGet, "/ui/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "open") {
		t.Error("expected breaker state in body")
	}
}

func TestAPIDashboard_ReturnsJSON(t *testing.T) {
	mux := newTestHandler(t, &fakeStats{stats: store.SpotStats{Total: 10, WithPhoto: 4}}, &fakeDB{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/ui/api/dashboard", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var data DashboardData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if data.Spots.Total != 10 || data.Spots.WithPhoto != 4 {
		t.Errorf("spots = %+v, want total 10 / mirrored 4", data.Spots)
	}
	if data.PhotoCache.Entries != 25 || data.PhotoCache.MaxEntries != 100 {
		t.Errorf("photo cache = %+v", data.PhotoCache)
	}
	if !data.DBHealthy || data.DBState != "closed" {
		t.Errorf("db = %v/%q, want healthy/closed", data.DBHealthy, data.DBState)
	}
	if data.Config.SearchTTL != 3*time.Minute {
		t.Errorf("search ttl = %v, want 3m", data.Config.SearchTTL)
	}
	if len(data.Services) != 1 {
		t.Errorf("services = %v, want one", data.Services)
	}
}

func TestDashboard_UnknownPath404(t *testing.T) {
	mux := newTestHandler(t, &fakeStats{}, &fakeDB{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/ui/nope", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
