// -------------------------------------------------------------------------------
// Photos - Cover Photo Mirror Pipeline
//
// Author: Alex Freidah
//
// Turns an upstream photo reference into a durable object-store URL recorded on
// the spot. The persisted URL short-circuits all network work, downloaded
// bytes are held in a bounded LRU keyed by photo reference, and concurrent
// requests for the same place share one execution. Failures are logged and
// returned to the caller, which treats a missing URL as a valid state.
// -------------------------------------------------------------------------------

package photos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/h2non/filetype"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/afreidah/spotkeeper/internal/audit"
	"github.com/afreidah/spotkeeper/internal/cache"
	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/places"
	"github.com/afreidah/spotkeeper/internal/store"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// ErrNoPhotoRef is returned when neither the caller nor the stored spot has
// an upstream photo reference.
var ErrNoPhotoRef = errors.New("spot has no photo reference")

// Source downloads photo bytes from the upstream photo host.
type Source interface {
	PhotoMedia(ctx context.Context, photoRef string, maxWidth int) ([]byte, error)
}

// Uploader writes a place's photo to durable storage and returns its URL.
type Uploader interface {
	PutPhoto(ctx context.Context, placeID string, data []byte, contentType string) (string, error)
}

// Service runs the photo pipeline. Safe for concurrent use.
type Service struct {
	store    store.MetadataStore
	source   Source
	uploader Uploader
	cache    *cache.PhotoCache

	maxWidth      int
	batchSize     int
	enrichTimeout time.Duration

	flight   singleflight.Group
	detached sync.WaitGroup
}

// New creates a photo pipeline.
func New(st store.MetadataStore, src Source, up Uploader, pc *cache.PhotoCache, cfg config.PhotosConfig) *Service {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 3
	}
	timeout := cfg.EnrichTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Service{
		store:         st,
		source:        src,
		uploader:      up,
		cache:         pc,
		maxWidth:      cfg.MaxWidth,
		batchSize:     batch,
		enrichTimeout: timeout,
	}
}

// -------------------------------------------------------------------------
// SINGLE PHOTO
// -------------------------------------------------------------------------

// EnsurePhoto returns the durable photo URL for a place, mirroring it from
// the upstream host when the spot has none yet. An empty photoRef falls back
// to the reference stored on the spot.
func (s *Service) EnsurePhoto(ctx context.Context, placeID, photoRef string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "photos.EnsurePhoto",
		telemetry.AttrPlaceID.String(placeID),
		telemetry.AttrPhotoRef.String(photoRef),
	)
	defer span.End()

	// The shared execution outlives any single caller; each caller stops
	// waiting when its own context ends.
	ch := s.flight.DoChan(placeID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.enrichTimeout)
		defer cancel()
		return s.ensure(fctx, placeID, photoRef)
	})

	select {
	case res := <-ch:
		if res.Shared {
			slog.Debug("Photo request joined in-flight mirror", "place_id", placeID)
		}
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		err := fmt.Errorf("stopped waiting for photo of %s: %w", placeID, ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
}

func (s *Service) ensure(ctx context.Context, placeID, photoRef string) (string, error) {
	// --- Persisted URL wins ---
	spot, err := s.store.GetSpot(ctx, placeID)
	switch {
	case err == nil && spot.PhotoURL != "":
		telemetry.PhotoPipelineTotal.WithLabelValues("existing").Inc()
		return spot.PhotoURL, nil
	case err == nil:
		if photoRef == "" {
			photoRef = spot.PhotoRef
		}
	case !errors.Is(err, store.ErrSpotNotFound):
		return "", s.fail(placeID, "lookup", err)
	}
	if photoRef == "" {
		telemetry.PhotoPipelineTotal.WithLabelValues("no_reference").Inc()
		return "", ErrNoPhotoRef
	}

	// --- Bytes from LRU or upstream ---
	data, hit := s.cache.Get(photoRef)
	if !hit {
		data, err = s.source.PhotoMedia(ctx, photoRef, s.maxWidth)
		if err != nil {
			return "", s.fail(placeID, "download", err)
		}
	}

	contentType, err := imageType(data)
	if err != nil {
		return "", s.fail(placeID, "decode", err)
	}
	if !hit && !s.cache.Put(photoRef, data) {
		slog.Debug("Photo too large to cache", "place_id", placeID, "size", humanize.IBytes(uint64(len(data))))
	}

	// --- Durable copy ---
	url, err := s.uploader.PutPhoto(ctx, placeID, data, contentType)
	if err != nil {
		return "", s.fail(placeID, "upload", err)
	}

	// --- Record on the spot ---
	if err := s.store.UpsertSpot(ctx, &store.Spot{PlaceID: placeID, PhotoURL: url, PhotoRef: photoRef}); err != nil {
		return "", s.fail(placeID, "persist", err)
	}

	telemetry.PhotoPipelineTotal.WithLabelValues("mirrored").Inc()
	audit.Log(ctx, "photo.Mirrored",
		slog.String("place_id", placeID),
		slog.String("photo_url", url),
		slog.String("size", humanize.IBytes(uint64(len(data)))),
		slog.Bool("cache_hit", hit),
	)
	return url, nil
}

// fail logs a pipeline failure and returns it wrapped with its stage.
func (s *Service) fail(placeID, stage string, err error) error {
	telemetry.PhotoPipelineTotal.WithLabelValues("failed").Inc()
	slog.Warn("Photo mirror failed",
		"place_id", placeID,
		"stage", stage,
		"error", err,
	)
	return fmt.Errorf("failed to mirror photo for %s at %s: %w", placeID, stage, err)
}

// imageType sniffs data and returns its MIME type. Non-image payloads are
// reported as network errors since the host returned something unusable.
func imageType(data []byte) (string, error) {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown || kind.MIME.Type != "image" {
		return "", &places.Error{
			Kind: places.ErrNetwork,
			Op:   places.OpPhotoMedia,
			Err:  fmt.Errorf("payload of %d bytes is not an image", len(data)),
		}
	}
	return kind.MIME.Value, nil
}

// -------------------------------------------------------------------------
// BATCHES
// -------------------------------------------------------------------------

// EnsurePhotos mirrors photos for many spots, batchSize at a time. Each batch
// completes before the next starts. The result holds only the places that
// ended with a durable URL.
func (s *Service) EnsurePhotos(ctx context.Context, spots []store.Spot) map[string]string {
	ctx, span := telemetry.StartSpan(ctx, "photos.EnsurePhotos",
		telemetry.AttrResultCount.Int(len(spots)),
	)
	defer span.End()

	var (
		mu  sync.Mutex
		out = make(map[string]string, len(spots))
	)
	for start := 0; start < len(spots); start += s.batchSize {
		if ctx.Err() != nil {
			slog.Warn("Photo batch abandoned", "remaining", len(spots)-start, "error", ctx.Err())
			break
		}
		end := min(start+s.batchSize, len(spots))

		var g errgroup.Group
		for _, sp := range spots[start:end] {
			g.Go(func() error {
				url, err := s.EnsurePhoto(ctx, sp.PlaceID, sp.PhotoRef)
				if err != nil || url == "" {
					return nil
				}
				mu.Lock()
				out[sp.PlaceID] = url
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
	return out
}

// Enrich mirrors photos for spots that have a reference but no durable URL
// without blocking the caller. The work runs on a context detached from the
// caller's cancellation and bounded by the enrichment timeout; its results
// surface on a later read of the spots.
func (s *Service) Enrich(ctx context.Context, spots []store.Spot) {
	var pending []store.Spot
	for _, sp := range spots {
		if sp.PhotoURL == "" && sp.PhotoRef != "" {
			pending = append(pending, sp)
		}
	}
	if len(pending) == 0 {
		return
	}

	bg := audit.Detach(ctx)
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()

		ctx, cancel := context.WithTimeout(bg, s.enrichTimeout)
		defer cancel()

		urls := s.EnsurePhotos(ctx, pending)
		slog.Info("Photo enrichment finished",
			"requested", len(pending),
			"mirrored", len(urls),
			"request_id", audit.RequestID(ctx),
		)
	}()
}

// Wait blocks until detached enrichments finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -------------------------------------------------------------------------
// BACKFILL
// -------------------------------------------------------------------------

// Backfill mirrors photos for up to limit stored spots that have a reference
// but no durable URL. Each spot left without a URL gets a failure recorded so
// it moves behind untried spots and is retired after store.MaxPhotoAttempts.
// Returns the number mirrored.
func (s *Service) Backfill(ctx context.Context, limit int) (int, error) {
	spots, err := s.store.SpotsMissingPhotos(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list spots missing photos: %w", err)
	}
	if len(spots) == 0 {
		return 0, nil
	}

	urls := s.EnsurePhotos(ctx, spots)

	// --- Demote failures ---
	// An interrupted pass records nothing.
	if ctx.Err() == nil {
		for _, sp := range spots {
			if _, ok := urls[sp.PlaceID]; ok {
				continue
			}
			if err := s.store.RecordPhotoFailure(ctx, sp.PlaceID); err != nil {
				slog.Warn("Failed to record photo failure", "place_id", sp.PlaceID, "error", err)
			}
		}
	}

	telemetry.PhotoBackfillProcessedTotal.WithLabelValues("mirrored").Add(float64(len(urls)))
	telemetry.PhotoBackfillProcessedTotal.WithLabelValues("failed").Add(float64(len(spots) - len(urls)))
	return len(urls), nil
}
