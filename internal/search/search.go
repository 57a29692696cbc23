// -------------------------------------------------------------------------------
// Search - Place Discovery Aggregator
//
// Author: Alex Freidah
//
// Resolves free-text queries and nearby-location queries against the upstream
// provider. Text search sends one request biased to a circle around the
// caller, dedupes by place ID, resolves coordinates through the coordinate
// cache, and sorts by great-circle distance with unresolved places last.
// Identical queries from the same ~100 m cell are served from the response
// cache until the TTL passes. Nearby search merges persisted photo URLs,
// records the places as spots, and hands photo mirroring to a detached
// enrichment.
// -------------------------------------------------------------------------------

package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/afreidah/spotkeeper/internal/cache"
	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/geo"
	"github.com/afreidah/spotkeeper/internal/places"
	"github.com/afreidah/spotkeeper/internal/store"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// ErrInvalidOrigin is returned when a nearby search has no usable center.
var ErrInvalidOrigin = errors.New("invalid origin coordinate")

// maxRadiusMeters is the largest circle the provider accepts.
const maxRadiusMeters = 50000

// Provider is the subset of the upstream client used for discovery.
type Provider interface {
	Autocomplete(ctx context.Context, input string, origin *geo.Coordinate, radiusMeters float64) ([]places.Prediction, error)
	SearchNearby(ctx context.Context, req places.NearbyRequest) (*places.NearbyResult, error)
	Location(ctx context.Context, placeID string) (geo.Coordinate, error)
}

// Enricher mirrors photos in the background.
type Enricher interface {
	Enrich(ctx context.Context, spots []store.Spot)
}

// Candidate is one text search result.
type Candidate struct {
	PlaceID        string          `json:"place_id"`
	Name           string          `json:"name"`
	Address        string          `json:"address"`
	Location       *geo.Coordinate `json:"location,omitempty"`
	DistanceMeters *float64        `json:"distance_m,omitempty"`
	PhotoURL       string          `json:"photo_url,omitempty"`
	PhotoRef       string          `json:"photo_ref,omitempty"`
}

// NearbyPage is one page of nearby spots.
type NearbyPage struct {
	Spots         []store.Spot `json:"spots"`
	NextPageToken string       `json:"next_page_token"`
}

// Deps are the collaborators of a Service. Store and Photos may be nil, in
// which case nearby results are neither persisted nor enriched.
type Deps struct {
	Provider    Provider
	Store       store.MetadataStore
	Photos      Enricher
	Responses   *cache.ResponseCache[[]Candidate]
	Coordinates *cache.CoordinateCache
}

// Service runs searches. Safe for concurrent use.
type Service struct {
	provider  Provider
	store     store.MetadataStore
	photos    Enricher
	responses *cache.ResponseCache[[]Candidate]
	coords    *cache.CoordinateCache
	cfg       config.SearchConfig
}

// New creates a search service.
func New(d Deps, cfg config.SearchConfig) *Service {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.CoordinateConcurrency <= 0 {
		cfg.CoordinateConcurrency = 4
	}
	return &Service{
		provider:  d.Provider,
		store:     d.Store,
		photos:    d.Photos,
		responses: d.Responses,
		coords:    d.Coordinates,
		cfg:       cfg,
	}
}

// NormalizeQuery trims, collapses inner whitespace, and lower-cases a query.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// responseKey combines the normalized query and the rounded origin.
func responseKey(query string, origin *geo.Coordinate) string {
	if origin == nil {
		return query + "|none"
	}
	return query + "|" + origin.Key()
}

// -------------------------------------------------------------------------
// TEXT SEARCH
// -------------------------------------------------------------------------

// Search returns up to MaxResults candidates for a free-text query, nearest
// first when origin is given. An upstream not-found is an empty result; other
// provider failures surface as *places.Error;
// a candidate whose coordinate cannot be resolved is kept and sorted last.
func (s *Service) Search(ctx context.Context, query string, origin *geo.Coordinate) ([]Candidate, error) {
	q := NormalizeQuery(query)
	if q == "" {
		return []Candidate{}, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "search.Search", telemetry.AttrQuery.String(q))
	defer span.End()

	key := responseKey(q, origin)
	if cached, ok := s.responses.Get(ctx, key); ok {
		span.SetAttributes(telemetry.AttrCacheHit.Bool(true), telemetry.AttrResultCount.Int(len(cached)))
		return slices.Clone(cached), nil
	}
	span.SetAttributes(telemetry.AttrCacheHit.Bool(false))

	// --- One biased upstream request ---
	preds, err := s.provider.Autocomplete(ctx, q, origin, s.cfg.BiasRadiusMeters)
	if errors.Is(err, places.ErrNotFound) {
		// No upstream matches; not cached.
		slog.Debug("Autocomplete found no matches", "query", q, "error", err)
		span.SetAttributes(telemetry.AttrResultCount.Int(0))
		return []Candidate{}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to search %q: %w", q, err)
	}

	candidates := dedupe(preds)

	// --- Rank by distance ---
	if origin != nil && len(candidates) > 0 {
		s.resolveCoordinates(ctx, candidates)
		rankByDistance(candidates, *origin)
	}

	if len(candidates) > s.cfg.MaxResults {
		candidates = candidates[:s.cfg.MaxResults]
	}

	s.responses.Set(ctx, key, slices.Clone(candidates))
	span.SetAttributes(telemetry.AttrResultCount.Int(len(candidates)))
	return candidates, nil
}

// dedupe converts predictions to candidates, keeping the first occurrence of
// each place ID.
func dedupe(preds []places.Prediction) []Candidate {
	seen := make(map[string]bool, len(preds))
	out := make([]Candidate, 0, len(preds))
	for _, p := range preds {
		if p.PlaceID == "" || seen[p.PlaceID] {
			continue
		}
		seen[p.PlaceID] = true
		out = append(out, Candidate{PlaceID: p.PlaceID, Name: p.Name, Address: p.Address})
	}
	return out
}

// resolveCoordinates fills candidate locations from the coordinate cache,
// falling back to place details. Lookups run concurrently; a failed lookup
// leaves the location unset.
func (s *Service) resolveCoordinates(ctx context.Context, candidates []Candidate) {
	var g errgroup.Group
	g.SetLimit(s.cfg.CoordinateConcurrency)

	for i := range candidates {
		c := &candidates[i]
		if coord, ok := s.coords.Get(c.PlaceID); ok {
			c.Location = &coord
			continue
		}
		g.Go(func() error {
			coord, err := s.provider.Location(ctx, c.PlaceID)
			if err != nil {
				level := slog.LevelWarn
				if errors.Is(err, places.ErrNotFound) {
					level = slog.LevelDebug
				}
				slog.Log(ctx, level, "Coordinate lookup failed", "place_id", c.PlaceID, "error", err)
				return nil
			}
			s.coords.Set(c.PlaceID, coord)
			c.Location = &coord
			return nil
		})
	}
	_ = g.Wait()
}

// rankByDistance stamps distances and sorts ascending. Unresolved candidates
// compare as +Inf; the sort is stable so ties keep provider order.
func rankByDistance(candidates []Candidate, origin geo.Coordinate) {
	dist := make(map[string]float64, len(candidates))
	for i := range candidates {
		d := geo.DistanceOrInf(origin, candidates[i].Location)
		dist[candidates[i].PlaceID] = d
		if candidates[i].Location != nil {
			candidates[i].DistanceMeters = &d
		}
	}
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		return cmp.Compare(dist[a.PlaceID], dist[b.PlaceID])
	})
}

// -------------------------------------------------------------------------
// NEARBY SEARCH
// -------------------------------------------------------------------------

// SearchNearby returns one page of spots within radiusMeters of origin,
// nearest first. A zero radius uses the configured default. Spots lacking a
// durable photo URL are queued for background mirroring; the page is
// returned without waiting for it.
func (s *Service) SearchNearby(ctx context.Context, origin geo.Coordinate, radiusMeters float64, pageToken string) (*NearbyPage, error) {
	if !origin.Valid() {
		return nil, ErrInvalidOrigin
	}
	if radiusMeters <= 0 {
		radiusMeters = s.cfg.NearbyRadiusMeters
	}
	radiusMeters = min(radiusMeters, maxRadiusMeters)

	ctx, span := telemetry.StartSpan(ctx, "search.SearchNearby",
		telemetry.AttrRadiusMeters.Float64(radiusMeters),
	)
	defer span.End()

	res, err := s.provider.SearchNearby(ctx, places.NearbyRequest{
		Center:       origin,
		RadiusMeters: radiusMeters,
		MaxResults:   s.cfg.NearbyMaxResults,
		PageToken:    pageToken,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to search nearby: %w", err)
	}

	spots := toSpots(res.Places)
	s.mergePersisted(ctx, spots)

	for i := range spots {
		if spots[i].Location != nil {
			d := geo.Distance(origin, *spots[i].Location)
			spots[i].DistanceMeters = &d
		}
	}
	slices.SortStableFunc(spots, func(a, b store.Spot) int {
		return cmp.Compare(geo.DistanceOrInf(origin, a.Location), geo.DistanceOrInf(origin, b.Location))
	})

	if s.photos != nil {
		s.photos.Enrich(ctx, spots)
	}

	span.SetAttributes(telemetry.AttrResultCount.Int(len(spots)))
	return &NearbyPage{Spots: spots, NextPageToken: res.NextPageToken}, nil
}

// toSpots converts provider places to spots, dropping repeated IDs.
func toSpots(ps []places.Place) []store.Spot {
	seen := make(map[string]bool, len(ps))
	out := make([]store.Spot, 0, len(ps))
	for _, p := range ps {
		if p.ID == "" || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, store.Spot{
			PlaceID:    p.ID,
			Name:       p.Name,
			Address:    p.Address,
			City:       p.City,
			Location:   p.Location,
			Categories: p.Types,
			Rating:     p.Rating,
			PhotoRef:   p.PhotoRef,
		})
	}
	return out
}

// mergePersisted copies durable photo URLs already stored for these places
// and records the places as spots. Store failures are logged; the page is
// still served from provider data.
func (s *Service) mergePersisted(ctx context.Context, spots []store.Spot) {
	if s.store == nil || len(spots) == 0 {
		return
	}

	ids := make([]string, len(spots))
	for i := range spots {
		ids[i] = spots[i].PlaceID
	}

	stored, err := s.store.GetSpots(ctx, ids)
	if err != nil {
		slog.Warn("Failed to read stored spots for nearby results", "count", len(ids), "error", err)
	}
	for i := range spots {
		if st, ok := stored[spots[i].PlaceID]; ok && st.PhotoURL != "" {
			spots[i].PhotoURL = st.PhotoURL
		}
	}

	if err := s.store.UpsertSpots(ctx, spots); err != nil {
		slog.Warn("Failed to record nearby spots", "count", len(spots), "error", err)
	}
}
