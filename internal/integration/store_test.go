//go:build integration

// -------------------------------------------------------------------------------
// Integration Tests - PostgreSQL Store and List Reconciliation
//
// Author: Alex Freidah
//
// Exercises the upsert function, list constraints, and an end-to-end
// reconcile against a migrated database.
// -------------------------------------------------------------------------------

package integration

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/afreidah/spotkeeper/internal/geo"
	"github.com/afreidah/spotkeeper/internal/lists"
	"github.com/afreidah/spotkeeper/internal/store"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestUpsertSpot_KeepsPhotoURL(t *testing.T) {
	ctx := testCtx(t)
	id := uniqueID(t, "spot")

	// --- Mirrored photo lands first ---
	if err := testStore.UpsertSpot(ctx, &store.Spot{
		PlaceID:  id,
		Name:     "Cafe Alpha",
		Location: &geo.Coordinate{Lat: 40.7, Lng: -74.0},
		PhotoURL: "https://cdn.example.com/" + id + ".jpg",
		PhotoRef: "ref-1",
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// --- Later write without a photo ---
	if err := testStore.UpsertSpot(ctx, &store.Spot{PlaceID: id, Address: "1 Main St"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := testStore.GetSpot(ctx, id)
	if err != nil {
		t.Fatalf("GetSpot: %v", err)
	}
	if got.PhotoURL != "https://cdn.example.com/"+id+".jpg" {
		t.Errorf("photo url = %q, want it preserved", got.PhotoURL)
	}
	if got.Name != "Cafe Alpha" || got.Address != "1 Main St" {
		t.Errorf("name/address = %q/%q, want merged values", got.Name, got.Address)
	}
	if got.Location == nil || got.Location.Lat != 40.7 {
		t.Errorf("location = %+v, want preserved", got.Location)
	}
}

func TestSpotsMissingPhotos_FailuresSortLastAndRetire(t *testing.T) {
	ctx := testCtx(t)
	broken := uniqueID(t, "broken")
	good := uniqueID(t, "good")

	// --- Broken spot is older, so it leads the queue at first ---
	for _, id := range []string{broken, good} {
		if err := testStore.UpsertSpot(ctx, &store.Spot{PlaceID: id, PhotoRef: "ref-" + id}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := testStore.RecordPhotoFailure(ctx, broken); err != nil {
		t.Fatalf("RecordPhotoFailure: %v", err)
	}

	pending := func() []string {
		spots, err := testStore.SpotsMissingPhotos(ctx, 10000)
		if err != nil {
			t.Fatalf("SpotsMissingPhotos: %v", err)
		}
		var ids []string
		for _, sp := range spots {
			if sp.PlaceID == broken || sp.PlaceID == good {
				ids = append(ids, sp.PlaceID)
			}
		}
		return ids
	}
	if got := pending(); !slices.Equal(got, []string{good, broken}) {
		t.Errorf("pending order = %v, want untried spot first", got)
	}

	// --- Retired after the attempt cap ---
	for range store.MaxPhotoAttempts - 1 {
		if err := testStore.RecordPhotoFailure(ctx, broken); err != nil {
			t.Fatal(err)
		}
	}
	if got := pending(); !slices.Equal(got, []string{good}) {
		t.Errorf("pending = %v, want retired spot excluded", got)
	}

	// --- A new reference brings it back ---
	if err := testStore.UpsertSpot(ctx, &store.Spot{PlaceID: broken, PhotoRef: "ref-new"}); err != nil {
		t.Fatal(err)
	}
	if got := pending(); !slices.Contains(got, broken) {
		t.Errorf("pending = %v, want spot with new reference re-queued", got)
	}
}

func TestGetSpot_NotFound(t *testing.T) {
	_, err := testStore.GetSpot(testCtx(t), uniqueID(t, "missing"))
	if !errors.Is(err, store.ErrSpotNotFound) {
		t.Fatalf("err = %v, want ErrSpotNotFound", err)
	}
}

func TestEnsureSystemLists_Idempotent(t *testing.T) {
	ctx := testCtx(t)
	user := uniqueID(t, "user")

	first, err := testStore.EnsureSystemLists(ctx, user)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := testStore.EnsureSystemLists(ctx, user)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if len(first) != len(store.SystemKinds) || len(second) != len(store.SystemKinds) {
		t.Fatalf("got %d then %d lists, want %d", len(first), len(second), len(store.SystemKinds))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("list %d id changed: %s -> %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestAddMembership_Duplicate(t *testing.T) {
	ctx := testCtx(t)
	user := uniqueID(t, "user")
	place := uniqueID(t, "spot")

	l, err := testStore.CreateList(ctx, user, "Weekend")
	if err != nil {
		t.Fatalf("CreateList: %v", err)
	}
	if err := testStore.EnsureSpot(ctx, place); err != nil {
		t.Fatalf("EnsureSpot: %v", err)
	}
	if err := testStore.AddMembership(ctx, l.ID, place); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := testStore.AddMembership(ctx, l.ID, place); !errors.Is(err, store.ErrDuplicateMembership) {
		t.Fatalf("second add err = %v, want ErrDuplicateMembership", err)
	}

	// --- Removing twice is fine ---
	for i := range 2 {
		if err := testStore.RemoveMembership(ctx, l.ID, place); err != nil {
			t.Fatalf("remove %d: %v", i, err)
		}
	}
	counts, err := testStore.CountMemberships(ctx, []string{l.ID})
	if err != nil {
		t.Fatalf("CountMemberships: %v", err)
	}
	if counts[l.ID] != 0 {
		t.Errorf("count = %d, want 0", counts[l.ID])
	}
}

func TestReconcile_EndToEnd(t *testing.T) {
	ctx := testCtx(t)
	user := uniqueID(t, "user")
	place := uniqueID(t, "spot")
	svc := lists.New(testStore)

	sys, err := svc.EnsureSystemLists(ctx, user)
	if err != nil {
		t.Fatalf("EnsureSystemLists: %v", err)
	}
	a, b := sys[0].ID, sys[1].ID

	// --- Add to two lists, creating the spot from the payload ---
	res, err := svc.Reconcile(ctx, user, place, []string{a, b}, &store.Spot{PlaceID: place, Name: "Harbor View"})
	if err != nil {
		t.Fatalf("Reconcile add: %v", err)
	}
	if len(res.Added) != 2 || len(res.Removed) != 0 {
		t.Fatalf("result = %+v, want two adds", res)
	}
	if res.Counts[a] != 1 || res.Counts[b] != 1 {
		t.Errorf("counts = %v, want 1 each", res.Counts)
	}

	// --- Drop one list ---
	res, err = svc.Reconcile(ctx, user, place, []string{a}, nil)
	if err != nil {
		t.Fatalf("Reconcile remove: %v", err)
	}
	if len(res.Added) != 0 || !slices.Equal(res.Removed, []string{b}) {
		t.Fatalf("result = %+v, want only %s removed", res, b)
	}
	if _, touched := res.Counts[a]; touched {
		t.Errorf("counts include untouched list %s", a)
	}

	// --- Same desired set again writes nothing ---
	res, err = svc.Reconcile(ctx, user, place, []string{a}, nil)
	if err != nil {
		t.Fatalf("Reconcile no-op: %v", err)
	}
	if len(res.Added)+len(res.Removed)+len(res.Counts) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}

	ids, err := svc.Memberships(ctx, user, place)
	if err != nil {
		t.Fatalf("Memberships: %v", err)
	}
	if !slices.Equal(ids, []string{a}) {
		t.Errorf("memberships = %v, want [%s]", ids, a)
	}

	spot, err := testStore.GetSpot(ctx, place)
	if err != nil {
		t.Fatalf("GetSpot: %v", err)
	}
	if spot.Name != "Harbor View" {
		t.Errorf("spot name = %q, want payload name", spot.Name)
	}
}

func TestReconcile_ForeignListRejected(t *testing.T) {
	ctx := testCtx(t)
	owner := uniqueID(t, "owner")
	other := uniqueID(t, "other")
	svc := lists.New(testStore)

	l, err := testStore.CreateList(ctx, owner, "Private")
	if err != nil {
		t.Fatalf("CreateList: %v", err)
	}
	_, err = svc.Reconcile(ctx, other, uniqueID(t, "spot"), []string{l.ID}, nil)
	if !errors.Is(err, store.ErrListNotFound) {
		t.Fatalf("err = %v, want ErrListNotFound", err)
	}
}

func TestWithAdvisoryLock_Exclusive(t *testing.T) {
	ctx := testCtx(t)
	const lockID int64 = 0x5350_00ff

	acquired, err := testStore.WithAdvisoryLock(ctx, lockID, func(inner context.Context) error {
		got, err := testStore.WithAdvisoryLock(inner, lockID, func(context.Context) error {
			t.Error("nested holder ran while lock was held")
			return nil
		})
		if err != nil {
			return err
		}
		if got {
			t.Error("second acquire succeeded while lock was held")
		}
		return nil
	})
	if err != nil || !acquired {
		t.Fatalf("acquired=%v err=%v, want true/nil", acquired, err)
	}
}
