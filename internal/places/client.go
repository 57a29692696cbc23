// -------------------------------------------------------------------------------
// Places Client - Upstream Place-Search Provider
//
// Author: Alex Freidah
//
// HTTP client for the place-search provider: autocomplete, nearby search,
// place details, and photo media. Responses are parsed with gjson so only the
// fields the service needs are touched. All calls share one outbound token
// bucket, carry an HTTP client timeout, and honor context cancellation.
// -------------------------------------------------------------------------------

package places

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/geo"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// Operation names used in errors, metrics, and spans.
const (
	OpAutocomplete = "autocomplete"
	OpNearby       = "search_nearby"
	OpDetails      = "details"
	OpPhotoMedia   = "photo_media"
)

// maxPhotoBytes caps a single downloaded photo.
const maxPhotoBytes = 20 << 20

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

// Prediction is one autocomplete suggestion.
type Prediction struct {
	PlaceID string
	Name    string
	Address string
}

// Place is a fully described provider result from nearby search.
type Place struct {
	ID       string
	Name     string
	Address  string
	City     string
	Location *geo.Coordinate
	Types    []string
	Rating   *float64
	PhotoRef string
}

// NearbyRequest describes a location-restricted radius search.
type NearbyRequest struct {
	Center       geo.Coordinate
	RadiusMeters float64
	MaxResults   int
	PageToken    string
}

// NearbyResult is one page of nearby places.
type NearbyResult struct {
	Places        []Place
	NextPageToken string
}

// -------------------------------------------------------------------------
// CLIENT
// -------------------------------------------------------------------------

// Client talks to the provider's JSON API. Safe for concurrent use.
type Client struct {
	http     *http.Client
	baseURL  string
	apiKey   string
	language string
	limiter  *rate.Limiter
}

// New creates a provider client from config.
func New(cfg config.PlacesConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		language: cfg.LanguageCode,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Autocomplete returns suggestions for input, biased to a circle around
// origin when one is given.
func (c *Client) Autocomplete(ctx context.Context, input string, origin *geo.Coordinate, radiusMeters float64) ([]Prediction, error) {
	body := map[string]any{"input": input}
	if origin != nil {
		body["locationBias"] = circle(*origin, radiusMeters)
	}
	if c.language != "" {
		body["languageCode"] = c.language
	}

	data, err := c.do(ctx, OpAutocomplete, http.MethodPost, "/v1/places:autocomplete", nil, body, "")
	if err != nil {
		return nil, err
	}

	var out []Prediction
	gjson.GetBytes(data, "suggestions").ForEach(func(_, s gjson.Result) bool {
		p := s.Get("placePrediction")
		id := p.Get("placeId").String()
		if !p.Exists() || id == "" {
			return true
		}
		name := p.Get("structuredFormat.mainText.text").String()
		if name == "" {
			name = p.Get("text.text").String()
		}
		out = append(out, Prediction{
			PlaceID: id,
			Name:    name,
			Address: p.Get("structuredFormat.secondaryText.text").String(),
		})
		return true
	})
	return out, nil
}

// nearbyFieldMask limits nearby responses to the fields mapped into Place.
const nearbyFieldMask = "places.id,places.displayName,places.formattedAddress,places.addressComponents," +
	"places.location,places.types,places.rating,places.photos,nextPageToken"

// SearchNearby runs a location-restricted search. The page token is passed
// through opaquely.
func (c *Client) SearchNearby(ctx context.Context, req NearbyRequest) (*NearbyResult, error) {
	body := map[string]any{
		"locationRestriction": circle(req.Center, req.RadiusMeters),
	}
	if req.MaxResults > 0 {
		body["maxResultCount"] = req.MaxResults
	}
	if req.PageToken != "" {
		body["pageToken"] = req.PageToken
	}
	if c.language != "" {
		body["languageCode"] = c.language
	}

	data, err := c.do(ctx, OpNearby, http.MethodPost, "/v1/places:searchNearby", nil, body, nearbyFieldMask)
	if err != nil {
		return nil, err
	}

	res := &NearbyResult{NextPageToken: gjson.GetBytes(data, "nextPageToken").String()}
	gjson.GetBytes(data, "places").ForEach(func(_, p gjson.Result) bool {
		if place, ok := parsePlace(p); ok {
			res.Places = append(res.Places, place)
		}
		return true
	})
	return res, nil
}

// Location returns the coordinate of a place. A place without a location is
// reported as not found.
func (c *Client) Location(ctx context.Context, placeID string) (geo.Coordinate, error) {
	if placeID == "" {
		return geo.Coordinate{}, &Error{Kind: ErrNotFound, Op: OpDetails, Err: errors.New("empty place id")}
	}

	data, err := c.do(ctx, OpDetails, http.MethodGet, "/v1/places/"+url.PathEscape(placeID), nil, nil, "location")
	if err != nil {
		return geo.Coordinate{}, err
	}

	loc, ok := parseLocation(gjson.GetBytes(data, "location"))
	if !ok {
		return geo.Coordinate{}, &Error{Kind: ErrNotFound, Op: OpDetails, Err: fmt.Errorf("place %s has no location", placeID)}
	}
	return *loc, nil
}

// PhotoMedia downloads the image bytes for a photo reference. Redirects to
// the photo host are followed.
func (c *Client) PhotoMedia(ctx context.Context, photoRef string, maxWidth int) ([]byte, error) {
	if photoRef == "" {
		return nil, &Error{Kind: ErrNotFound, Op: OpPhotoMedia, Err: errors.New("empty photo reference")}
	}
	q := url.Values{}
	if maxWidth > 0 {
		q.Set("maxWidthPx", strconv.Itoa(maxWidth))
	}
	return c.do(ctx, OpPhotoMedia, http.MethodGet, "/v1/"+strings.TrimPrefix(photoRef, "/")+"/media", q, nil, "")
}

// -------------------------------------------------------------------------
// TRANSPORT
// -------------------------------------------------------------------------

// do executes one provider call and returns the response body. Non-2xx
// statuses and transport failures are mapped to *Error.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, fieldMask string) (data []byte, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "places."+op, telemetry.UpstreamAttributes(op, c.baseURL)...)
	defer func() {
		telemetry.UpstreamRequestsTotal.WithLabelValues(op, kindLabel(err)).Inc()
		telemetry.UpstreamDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.apiKey == "" {
		return nil, &Error{Kind: ErrConfiguration, Op: op, Err: errors.New("api key is not configured")}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: ErrNetwork, Op: op, Err: err}
	}

	// --- Build request ---
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: ErrNetwork, Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, Op: op, Err: err}
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if fieldMask != "" {
		req.Header.Set("X-Goog-FieldMask", fieldMask)
	}

	// --- Execute ---
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(data) > maxPhotoBytes {
		return nil, &Error{Kind: ErrNetwork, Op: op, Status: resp.StatusCode, Err: errors.New("response exceeds size limit")}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: classifyFailure(resp.StatusCode, data), Op: op, Status: resp.StatusCode, Err: errors.New(providerMessage(data))}
	}

	if op != OpPhotoMedia && !gjson.ValidBytes(data) {
		return nil, &Error{Kind: ErrNetwork, Op: op, Status: resp.StatusCode, Err: errors.New("undecodable response body")}
	}
	return data, nil
}

// classifyFailure maps an error response to a kind. The provider reports a
// bad key as 400 with reason API_KEY_INVALID, which is a configuration error.
func classifyFailure(status int, body []byte) error {
	if gjson.GetBytes(body, `error.details.#(reason=="API_KEY_INVALID")`).Exists() {
		return ErrConfiguration
	}
	return kindForStatus(status)
}

// providerMessage extracts the provider's error message, if any.
func providerMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	return "unexpected response"
}

// -------------------------------------------------------------------------
// PARSING
// -------------------------------------------------------------------------

func circle(center geo.Coordinate, radius float64) map[string]any {
	return map[string]any{
		"circle": map[string]any{
			"center": map[string]float64{"latitude": center.Lat, "longitude": center.Lng},
			"radius": radius,
		},
	}
}

func parseLocation(loc gjson.Result) (*geo.Coordinate, bool) {
	lat, lng := loc.Get("latitude"), loc.Get("longitude")
	if !lat.Exists() || !lng.Exists() {
		return nil, false
	}
	c := geo.Coordinate{Lat: lat.Float(), Lng: lng.Float()}
	if !c.Valid() {
		return nil, false
	}
	return &c, true
}

func parsePlace(p gjson.Result) (Place, bool) {
	id := p.Get("id").String()
	if id == "" {
		return Place{}, false
	}

	place := Place{
		ID:       id,
		Name:     p.Get("displayName.text").String(),
		Address:  p.Get("formattedAddress").String(),
		City:     p.Get(`addressComponents.#(types.#(=="locality")).longText`).String(),
		PhotoRef: p.Get("photos.0.name").String(),
	}
	if loc, ok := parseLocation(p.Get("location")); ok {
		place.Location = loc
	}
	if r := p.Get("rating"); r.Exists() {
		v := r.Float()
		place.Rating = &v
	}
	p.Get("types").ForEach(func(_, t gjson.Result) bool {
		place.Types = append(place.Types, t.String())
		return true
	})
	return place, true
}
