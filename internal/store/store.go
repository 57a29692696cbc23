// -------------------------------------------------------------------------------
// Store - Spot, List, and Membership Persistence Contract
//
// Author: Alex Freidah
//
// Domain types and the MetadataStore interface implemented by the PostgreSQL
// store and its circuit breaker wrapper. Spots are written only through the
// upsert path, which never replaces a stored photo URL with an empty one.
// -------------------------------------------------------------------------------

package store

import (
	"context"
	"errors"
	"time"

	"github.com/afreidah/spotkeeper/internal/geo"
)

// -------------------------------------------------------------------------
// ERRORS
// -------------------------------------------------------------------------

var (
	// ErrSpotNotFound is returned when a place ID has no spot row.
	ErrSpotNotFound = errors.New("spot not found")

	// ErrListNotFound is returned when a list ID does not exist or belongs
	// to another user.
	ErrListNotFound = errors.New("list not found")

	// ErrDuplicateMembership is returned when a spot is already in a list.
	// Callers adding memberships treat it as success.
	ErrDuplicateMembership = errors.New("list membership already exists")

	// ErrDBUnavailable is returned by the circuit breaker when the database
	// is unreachable.
	ErrDBUnavailable = errors.New("database unavailable")
)

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

// Spot is a persisted place.
type Spot struct {
	PlaceID    string          `json:"place_id"`
	Name       string          `json:"name"`
	Address    string          `json:"address"`
	City       string          `json:"city,omitempty"`
	Location   *geo.Coordinate `json:"location,omitempty"`
	Categories []string        `json:"categories,omitempty"`
	Rating     *float64        `json:"rating,omitempty"`
	PhotoURL   string          `json:"photo_url,omitempty"`
	PhotoRef   string          `json:"photo_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitzero"`
	UpdatedAt  time.Time       `json:"updated_at,omitzero"`

	// DistanceMeters is computed per request from the caller's origin and
	// never persisted.
	DistanceMeters *float64 `json:"distance_m,omitempty"`
}

// ListKind classifies a list.
type ListKind string

const (
	KindStarred    ListKind = "starred"
	KindFavorites  ListKind = "favorites"
	KindBucketList ListKind = "bucket_list"
	KindCustom     ListKind = "custom"
)

// SystemKinds are created once per user by EnsureSystemLists.
var SystemKinds = []ListKind{KindStarred, KindFavorites, KindBucketList}

// SystemListName returns the display name of a system list.
func SystemListName(k ListKind) string {
	switch k {
	case KindStarred:
		return "Starred"
	case KindFavorites:
		return "Favorites"
	case KindBucketList:
		return "Bucket List"
	default:
		return string(k)
	}
}

// List is a named container of spots owned by one user.
type List struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Kind      ListKind  `json:"kind"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// MembershipState is one of a user's lists and whether a given spot is in it.
type MembershipState struct {
	ListID string
	Member bool
}

// SpotStats summarizes the spots table.
type SpotStats struct {
	Total        int64
	WithPhoto    int64
	PendingPhoto int64 // photo reference known, durable URL missing
}

// Advisory lock IDs for background services.
const (
	LockPhotoBackfill int64 = 0x5350_0001
)

// MaxPhotoAttempts is the number of failed mirror attempts after which the
// backfill stops retrying a spot. A new photo reference resets the count.
const MaxPhotoAttempts = 5

// -------------------------------------------------------------------------
// INTERFACE
// -------------------------------------------------------------------------

// MetadataStore is the persistence contract used by the search, photo, and
// list packages.
type MetadataStore interface {
	// --- Spots ---
	GetSpot(ctx context.Context, placeID string) (*Spot, error)
	GetSpots(ctx context.Context, placeIDs []string) (map[string]*Spot, error)
	UpsertSpot(ctx context.Context, spot *Spot) error
	UpsertSpots(ctx context.Context, spots []Spot) error
	EnsureSpot(ctx context.Context, placeID string) error
	SpotsMissingPhotos(ctx context.Context, limit int) ([]Spot, error)
	RecordPhotoFailure(ctx context.Context, placeID string) error
	SpotStats(ctx context.Context) (SpotStats, error)

	// --- Lists ---
	EnsureSystemLists(ctx context.Context, userID string) ([]List, error)
	CreateList(ctx context.Context, userID, name string) (*List, error)
	UserLists(ctx context.Context, userID string) ([]List, error)
	UserMemberships(ctx context.Context, userID, placeID string) ([]MembershipState, error)
	AddMembership(ctx context.Context, listID, placeID string) error
	RemoveMembership(ctx context.Context, listID, placeID string) error
	CountMemberships(ctx context.Context, listIDs []string) (map[string]int, error)

	// --- Coordination ---
	WithAdvisoryLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) (bool, error)
	Ping(ctx context.Context) error
}
