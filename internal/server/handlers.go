// -------------------------------------------------------------------------------
// API Handlers - Search, Photos, and Lists
//
// Author: Alex Freidah
//
// Request parsing and response shaping for each API route, plus the mapping
// from domain errors to HTTP status codes. Photo mirroring is best effort from
// the client's point of view: a failed mirror answers 200 with an empty URL.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/afreidah/spotkeeper/internal/geo"
	"github.com/afreidah/spotkeeper/internal/lifecycle"
	"github.com/afreidah/spotkeeper/internal/lists"
	"github.com/afreidah/spotkeeper/internal/places"
	"github.com/afreidah/spotkeeper/internal/search"
	"github.com/afreidah/spotkeeper/internal/store"
)

// maxBatchSpots bounds a single photo batch request.
const maxBatchSpots = 50

// Error codes returned in the JSON error body.
const (
	codeInvalidRequest   = "invalid_request"
	codeNotFound         = "not_found"
	codeConfiguration    = "configuration_error"
	codeUpstream         = "upstream_error"
	codeStoreUnavailable = "store_unavailable"
	codeTimeout          = "timeout"
	codeRateLimited      = "rate_limited"
	codeInternal         = "internal_error"
)

// -------------------------------------------------------------------------
// RESPONSES
// -------------------------------------------------------------------------

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// requestError is a client mistake reported as 400.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeAPIError maps err onto a status and error body and returns the status.
// Server-side failures get a fixed message so internals do not leak.
func writeAPIError(w http.ResponseWriter, err error) int {
	status, code := classify(err)
	msg := err.Error()
	switch code {
	case codeConfiguration:
		msg = "search provider is misconfigured"
	case codeUpstream:
		msg = "search provider is unavailable"
	case codeStoreUnavailable:
		msg = "storage is temporarily unavailable"
	case codeTimeout:
		msg = "request timed out"
	case codeInternal:
		msg = "internal error"
	}
	writeError(w, status, code, msg)
	return status
}

func classify(err error) (int, string) {
	var reqErr *requestError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, search.ErrInvalidOrigin),
		errors.Is(err, lists.ErrInvalidInput):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, codeInvalidRequest
	case errors.Is(err, places.ErrConfiguration):
		return http.StatusInternalServerError, codeConfiguration
	case errors.Is(err, places.ErrNotFound),
		errors.Is(err, store.ErrSpotNotFound),
		errors.Is(err, store.ErrListNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, store.ErrDBUnavailable):
		return http.StatusServiceUnavailable, codeStoreUnavailable
	case errors.Is(err, places.ErrNetwork):
		return http.StatusBadGateway, codeUpstream
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// -------------------------------------------------------------------------
// REQUEST PARSING
// -------------------------------------------------------------------------

// userID returns the acting user from the path, falling back to X-User-Id.
func userID(r *http.Request) string {
	if id := r.PathValue("userId"); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

// parseOrigin reads lat/lng query parameters. Both absent yields nil unless
// required.
func parseOrigin(r *http.Request, required bool) (*geo.Coordinate, error) {
	q := r.URL.Query()
	latStr, lngStr := q.Get("lat"), q.Get("lng")
	if latStr == "" && lngStr == "" {
		if required {
			return nil, badRequest("lat and lng are required")
		}
		return nil, nil
	}
	if latStr == "" || lngStr == "" {
		return nil, badRequest("lat and lng must be given together")
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, badRequest("invalid lat %q", latStr)
	}
	lng, err := strconv.ParseFloat(lngStr, 64)
	if err != nil {
		return nil, badRequest("invalid lng %q", lngStr)
	}
	c := geo.Coordinate{Lat: lat, Lng: lng}
	if !c.Valid() {
		return nil, badRequest("coordinate %s is out of range", c.Key())
	}
	return &c, nil
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// SEARCH
// -------------------------------------------------------------------------

type searchResponse struct {
	Results []search.Candidate `json:"results"`
}

func (s *Server) handleSearch(ctx context.Context, r *http.Request) (int, any, error) {
	origin, err := parseOrigin(r, false)
	if err != nil {
		return 0, nil, err
	}
	results, err := s.search.Search(ctx, r.URL.Query().Get("q"), origin)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, searchResponse{Results: results}, nil
}

func (s *Server) handleNearby(ctx context.Context, r *http.Request) (int, any, error) {
	origin, err := parseOrigin(r, true)
	if err != nil {
		return 0, nil, err
	}
	var radius float64
	if v := r.URL.Query().Get("radius"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius < 0 {
			return 0, nil, badRequest("invalid radius %q", v)
		}
	}
	page, err := s.search.SearchNearby(ctx, *origin, radius, r.URL.Query().Get("page_token"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, page, nil
}

// -------------------------------------------------------------------------
// PHOTOS
// -------------------------------------------------------------------------

type photoRequest struct {
	PhotoRef string `json:"photo_ref"`
}

type photoResponse struct {
	PhotoURL string `json:"photo_url"`
}

type batchRequest struct {
	Spots []struct {
		PlaceID  string `json:"place_id"`
		PhotoRef string `json:"photo_ref"`
	} `json:"spots"`
}

type batchResponse struct {
	PhotoURLs map[string]string `json:"photo_urls"`
}

func (s *Server) handleEnsurePhoto(ctx context.Context, r *http.Request) (int, any, error) {
	placeID := r.PathValue("placeId")
	var req photoRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	url, err := s.photos.EnsurePhoto(ctx, placeID, req.PhotoRef)
	if err != nil {
		slog.Debug("Photo not mirrored", "place_id", placeID, "error", err)
		return http.StatusOK, photoResponse{}, nil
	}
	return http.StatusOK, photoResponse{PhotoURL: url}, nil
}

func (s *Server) handleEnsurePhotos(ctx context.Context, r *http.Request) (int, any, error) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	if len(req.Spots) > maxBatchSpots {
		return 0, nil, badRequest("at most %d spots per batch", maxBatchSpots)
	}
	spots := make([]store.Spot, 0, len(req.Spots))
	for i, sp := range req.Spots {
		if strings.TrimSpace(sp.PlaceID) == "" {
			return 0, nil, badRequest("spots[%d].place_id is required", i)
		}
		spots = append(spots, store.Spot{PlaceID: sp.PlaceID, PhotoRef: sp.PhotoRef})
	}
	return http.StatusOK, batchResponse{PhotoURLs: s.photos.EnsurePhotos(ctx, spots)}, nil
}

// -------------------------------------------------------------------------
// LISTS
// -------------------------------------------------------------------------

type reconcileRequest struct {
	ListIDs []string    `json:"list_ids"`
	Spot    *store.Spot `json:"spot,omitempty"`
}

type membershipsResponse struct {
	ListIDs []string `json:"list_ids"`
}

type listsResponse struct {
	Lists any `json:"lists"`
}

type createListRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleReconcile(ctx context.Context, r *http.Request) (int, any, error) {
	var req reconcileRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	if req.ListIDs == nil {
		return 0, nil, badRequest("list_ids is required; send [] to remove the spot from every list")
	}
	res, err := s.lists.Reconcile(ctx, userID(r), r.PathValue("placeId"), req.ListIDs, req.Spot)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (s *Server) handleMemberships(ctx context.Context, r *http.Request) (int, any, error) {
	ids, err := s.lists.Memberships(ctx, userID(r), r.PathValue("placeId"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, membershipsResponse{ListIDs: ids}, nil
}

func (s *Server) handleEnsureSystemLists(ctx context.Context, r *http.Request) (int, any, error) {
	ls, err := s.lists.EnsureSystemLists(ctx, userID(r))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, listsResponse{Lists: ls}, nil
}

func (s *Server) handleLists(ctx context.Context, r *http.Request) (int, any, error) {
	ls, err := s.lists.Lists(ctx, userID(r))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, listsResponse{Lists: ls}, nil
}

func (s *Server) handleCreateList(ctx context.Context, r *http.Request) (int, any, error) {
	var req createListRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	l, err := s.lists.CreateList(ctx, userID(r), req.Name)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, l, nil
}

// -------------------------------------------------------------------------
// HEALTH
// -------------------------------------------------------------------------

type healthResponse struct {
	Status   string             `json:"status"`
	Database string             `json:"database,omitempty"`
	Services []lifecycle.Status `json:"services,omitempty"`
}

// handleHealth always answers 200 so the instance stays in rotation; the body
// reports degraded when the database breaker is not closed or a background
// service is restarting.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.database != nil {
		resp.Database = s.database.State()
		if !s.database.IsHealthy() {
			resp.Status = "degraded"
		}
	}
	if s.services != nil {
		resp.Services = s.services.Statuses()
		for _, st := range resp.Services {
			if st.State == lifecycle.StateRestarting {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
