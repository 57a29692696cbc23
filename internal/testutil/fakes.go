package testutil

import (
	"context"
	"sync"

	"github.com/afreidah/spotkeeper/internal/geo"
	"github.com/afreidah/spotkeeper/internal/places"
)

// JPEGBytes is a minimal payload that sniffs as image/jpeg.
var JPEGBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01}

// FakePlaces is a configurable stand-in for the provider client. Responses
// are keyed by input; call counters track upstream traffic.
type FakePlaces struct {
	Mu sync.Mutex

	// --- Configurable responses ---
	Predictions   map[string][]places.Prediction // by raw input
	AutoErr       error
	Locations     map[string]geo.Coordinate // by place ID; missing IDs return ErrNotFound
	LocationErr   map[string]error
	Nearby        *places.NearbyResult
	NearbyErr     error
	Photos        map[string][]byte // by photo ref
	PhotoErr      error
	PhotoDownload func(ref string) // runs before each photo download

	// --- Call tracking ---
	AutoCalls     int
	AutoOrigins   []*geo.Coordinate
	AutoRadii     []float64
	LocationCalls int
	NearbyCalls   []places.NearbyRequest
	PhotoCalls    int
	PhotoWidths   []int
}

// NewFakePlaces returns an empty fake.
func NewFakePlaces() *FakePlaces {
	return &FakePlaces{
		Predictions: make(map[string][]places.Prediction),
		Locations:   make(map[string]geo.Coordinate),
		LocationErr: make(map[string]error),
		Photos:      make(map[string][]byte),
	}
}

func (f *FakePlaces) Autocomplete(_ context.Context, input string, origin *geo.Coordinate, radiusMeters float64) ([]places.Prediction, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.AutoCalls++
	f.AutoOrigins = append(f.AutoOrigins, origin)
	f.AutoRadii = append(f.AutoRadii, radiusMeters)
	if f.AutoErr != nil {
		return nil, f.AutoErr
	}
	return append([]places.Prediction(nil), f.Predictions[input]...), nil
}

func (f *FakePlaces) SearchNearby(_ context.Context, req places.NearbyRequest) (*places.NearbyResult, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.NearbyCalls = append(f.NearbyCalls, req)
	if f.NearbyErr != nil {
		return nil, f.NearbyErr
	}
	if f.Nearby == nil {
		return &places.NearbyResult{}, nil
	}
	out := *f.Nearby
	out.Places = append([]places.Place(nil), f.Nearby.Places...)
	return &out, nil
}

func (f *FakePlaces) Location(_ context.Context, placeID string) (geo.Coordinate, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.LocationCalls++
	if err := f.LocationErr[placeID]; err != nil {
		return geo.Coordinate{}, err
	}
	c, ok := f.Locations[placeID]
	if !ok {
		return geo.Coordinate{}, &places.Error{Kind: places.ErrNotFound, Op: places.OpDetails, Status: 404}
	}
	return c, nil
}

func (f *FakePlaces) PhotoMedia(_ context.Context, photoRef string, maxWidth int) ([]byte, error) {
	f.Mu.Lock()
	f.PhotoCalls++
	f.PhotoWidths = append(f.PhotoWidths, maxWidth)
	hook := f.PhotoDownload
	err := f.PhotoErr
	data, ok := f.Photos[photoRef]
	f.Mu.Unlock()

	if hook != nil {
		hook(photoRef)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &places.Error{Kind: places.ErrNotFound, Op: places.OpPhotoMedia, Status: 404}
	}
	return data, nil
}

// Calls returns the photo download count.
func (f *FakePlaces) Calls() (auto, location, photo int) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.AutoCalls, f.LocationCalls, f.PhotoCalls
}

// FakeUploader records photo uploads and returns deterministic URLs.
type FakeUploader struct {
	Mu      sync.Mutex
	BaseURL string
	Err     error
	Puts    []Upload
}

// Upload captures one PutPhoto call.
type Upload struct {
	PlaceID     string
	Size        int
	ContentType string
}

func (u *FakeUploader) PutPhoto(_ context.Context, placeID string, data []byte, contentType string) (string, error) {
	u.Mu.Lock()
	defer u.Mu.Unlock()
	u.Puts = append(u.Puts, Upload{PlaceID: placeID, Size: len(data), ContentType: contentType})
	if u.Err != nil {
		return "", u.Err
	}
	base := u.BaseURL
	if base == "" {
		base = "https://photos.test/spots"
	}
	return base + "/" + placeID + ".jpg", nil
}

// Count returns the number of uploads attempted.
func (u *FakeUploader) Count() int {
	u.Mu.Lock()
	defer u.Mu.Unlock()
	return len(u.Puts)
}
