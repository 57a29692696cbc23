// -------------------------------------------------------------------------------
// Lists - List-Membership Synchronizer
//
// Author: Alex Freidah
//
// Moves a user's persisted list memberships for one spot toward a desired set
// with the fewest writes. The spot row is written before any membership that
// references it, duplicate inserts count as success, removals are idempotent,
// and only touched lists are re-counted. Calls for the same place are
// serialized in-process; across instances the last writer wins.
// -------------------------------------------------------------------------------

package lists

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/afreidah/spotkeeper/internal/audit"
	"github.com/afreidah/spotkeeper/internal/store"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// ErrInvalidInput is returned for an empty user or place ID.
var ErrInvalidInput = errors.New("user and place id are required")

// Result reports the writes a reconcile applied. Counts holds the member
// count of every list that was added to or removed from, and is empty when
// the counts could not be read after the writes.
type Result struct {
	Added   []string       `json:"added"`
	Removed []string       `json:"removed"`
	Counts  map[string]int `json:"counts"`
}

// Summary is a list with its current spot count.
type Summary struct {
	store.List
	Count int `json:"count"`
}

// Service reconciles memberships. Safe for concurrent use.
type Service struct {
	store store.MetadataStore
	locks *keyedMutex
}

// New creates a list service.
func New(st store.MetadataStore) *Service {
	return &Service{store: st, locks: newKeyedMutex()}
}

// -------------------------------------------------------------------------
// RECONCILE
// -------------------------------------------------------------------------

// Reconcile makes the set of userID's lists containing placeID equal to
// desired. Every desired list must belong to the user. spot, when non-nil,
// is upserted before the first add; otherwise a bare spot row is ensured.
//
// A failed add stops the remaining adds and skips removals. Writes already
// applied are kept and reported in the returned Result alongside the error.
func (s *Service) Reconcile(ctx context.Context, userID, placeID string, desired []string, spot *store.Spot) (*Result, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(placeID) == "" {
		return nil, ErrInvalidInput
	}

	ctx, span := telemetry.StartSpan(ctx, "lists.Reconcile",
		telemetry.AttrUserID.String(userID),
		telemetry.AttrPlaceID.String(placeID),
	)
	defer span.End()

	unlock, err := s.locks.Lock(ctx, placeID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock place %s: %w", placeID, err)
	}
	defer unlock()

	res, err := s.reconcile(ctx, userID, placeID, desired, spot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Service) reconcile(ctx context.Context, userID, placeID string, desired []string, spot *store.Spot) (*Result, error) {
	// --- Current state ---
	states, err := s.store.UserMemberships(ctx, userID, placeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read memberships for %s: %w", placeID, err)
	}
	owned := make(map[string]bool, len(states))
	current := make(map[string]bool, len(states))
	for _, st := range states {
		owned[st.ListID] = true
		if st.Member {
			current[st.ListID] = true
		}
	}

	want := make(map[string]bool, len(desired))
	for _, id := range desired {
		if !owned[id] {
			return nil, fmt.Errorf("list %s: %w", id, store.ErrListNotFound)
		}
		want[id] = true
	}

	// --- Diff ---
	toAdd, toRemove := diff(current, want)
	res := &Result{Added: []string{}, Removed: []string{}, Counts: map[string]int{}}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		telemetry.ReconcileNoopTotal.Inc()
		return res, nil
	}

	// --- Spot row before memberships reference it ---
	if len(toAdd) > 0 {
		if err := s.ensureSpot(ctx, placeID, spot); err != nil {
			return res, err
		}
	}

	var applyErr error
	for _, listID := range toAdd {
		err := s.store.AddMembership(ctx, listID, placeID)
		if errors.Is(err, store.ErrDuplicateMembership) {
			telemetry.DuplicateMembershipsTotal.Inc()
			err = nil
		}
		if err != nil {
			applyErr = fmt.Errorf("failed to add %s to list %s: %w", placeID, listID, err)
			break
		}
		telemetry.ReconcileWritesTotal.WithLabelValues("add").Inc()
		res.Added = append(res.Added, listID)
	}

	if applyErr == nil {
		for _, listID := range toRemove {
			if err := s.store.RemoveMembership(ctx, listID, placeID); err != nil {
				applyErr = fmt.Errorf("failed to remove %s from list %s: %w", placeID, listID, err)
				break
			}
			telemetry.ReconcileWritesTotal.WithLabelValues("remove").Inc()
			res.Removed = append(res.Removed, listID)
		}
	}

	// --- Counts for touched lists only ---
	// A failed count leaves Counts empty; the writes above stand.
	touched := append(slices.Clone(res.Added), res.Removed...)
	if len(touched) > 0 {
		counts, err := s.store.CountMemberships(ctx, touched)
		if err != nil {
			slog.Warn("Failed to count touched lists", "place_id", placeID, "lists", len(touched), "error", err)
		} else {
			res.Counts = counts
		}
	}

	audit.Log(ctx, "spot.Reconcile",
		slog.String("place_id", placeID),
		slog.Any("added", res.Added),
		slog.Any("removed", res.Removed),
		slog.Bool("partial", applyErr != nil),
	)
	if applyErr != nil {
		slog.Warn("Reconcile partially applied",
			"place_id", placeID,
			"added", len(res.Added),
			"removed", len(res.Removed),
			"error", applyErr,
		)
	}
	return res, applyErr
}

func (s *Service) ensureSpot(ctx context.Context, placeID string, spot *store.Spot) error {
	if spot == nil {
		if err := s.store.EnsureSpot(ctx, placeID); err != nil {
			return fmt.Errorf("failed to ensure spot %s: %w", placeID, err)
		}
		return nil
	}
	cp := *spot
	cp.PlaceID = placeID
	// Photo fields are owned by the photo pipeline.
	cp.PhotoURL, cp.PhotoRef = "", ""
	if err := s.store.UpsertSpot(ctx, &cp); err != nil {
		return fmt.Errorf("failed to upsert spot %s: %w", placeID, err)
	}
	return nil
}

// diff returns want - current and current - want, each sorted.
func diff(current, want map[string]bool) (toAdd, toRemove []string) {
	for id := range want {
		if !current[id] {
			toAdd = append(toAdd, id)
		}
	}
	for id := range current {
		if !want[id] {
			toRemove = append(toRemove, id)
		}
	}
	slices.Sort(toAdd)
	slices.Sort(toRemove)
	return toAdd, toRemove
}

// -------------------------------------------------------------------------
// LIST MANAGEMENT
// -------------------------------------------------------------------------

// EnsureSystemLists creates the user's missing system lists and returns all
// of them. Safe to call on every sign-in.
func (s *Service) EnsureSystemLists(ctx context.Context, userID string) ([]store.List, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	lists, err := s.store.EnsureSystemLists(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure system lists: %w", err)
	}
	return lists, nil
}

// CreateList adds a custom list for a user.
func (s *Service) CreateList(ctx context.Context, userID, name string) (*store.List, error) {
	name = strings.TrimSpace(name)
	if strings.TrimSpace(userID) == "" || name == "" {
		return nil, ErrInvalidInput
	}
	l, err := s.store.CreateList(ctx, userID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create list: %w", err)
	}
	audit.Log(ctx, "list.Created", slog.String("list_id", l.ID), slog.String("name", name))
	return l, nil
}

// Lists returns every list the user owns with its spot count.
func (s *Service) Lists(ctx context.Context, userID string) ([]Summary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	ls, err := s.store.UserLists(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lists: %w", err)
	}
	ids := make([]string, len(ls))
	for i, l := range ls {
		ids[i] = l.ID
	}
	counts, err := s.store.CountMemberships(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to count lists: %w", err)
	}
	out := make([]Summary, len(ls))
	for i, l := range ls {
		out[i] = Summary{List: l, Count: counts[l.ID]}
	}
	return out, nil
}

// Memberships returns the IDs of the user's lists that contain placeID.
func (s *Service) Memberships(ctx context.Context, userID, placeID string) ([]string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(placeID) == "" {
		return nil, ErrInvalidInput
	}
	states, err := s.store.UserMemberships(ctx, userID, placeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read memberships for %s: %w", placeID, err)
	}
	out := []string{}
	for _, st := range states {
		if st.Member {
			out = append(out, st.ListID)
		}
	}
	return out, nil
}
