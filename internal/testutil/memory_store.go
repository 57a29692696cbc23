// Package testutil provides shared test doubles for the spot, photo, and list
// packages.
package testutil

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afreidah/spotkeeper/internal/geo"
	"github.com/afreidah/spotkeeper/internal/store"
)

// MemoryStore is an in-memory MetadataStore with the same write semantics as
// the PostgreSQL store: upserts never clear stored fields, duplicate
// memberships surface as ErrDuplicateMembership, and one system list exists
// per (user, kind). Error fields inject failures; counters allow assertions.
type MemoryStore struct {
	Mu sync.Mutex

	spots   map[string]*store.Spot
	lists   map[string]store.List
	order   []string                   // list IDs in creation order
	members map[string]map[string]bool // list ID -> place ID set

	photoFailures  map[string]int
	photoAttempted map[string]time.Time

	// Now stamps created and updated times.
	Now func() time.Time

	// --- Configurable failures ---
	GetSpotErr         error
	UpsertErr          error
	MembershipsErr     error
	CountErr           error
	AddErr             map[string]error // by list ID, checked before insert
	RemoveErr          map[string]error // by list ID
	PingErr            error
	LockHeld           bool // WithAdvisoryLock reports the lock as taken elsewhere
	MissingPhotosLimit int  // last limit passed to SpotsMissingPhotos

	// OnWrite runs outside the lock before every membership write.
	OnWrite func()

	// --- Call tracking ---
	GetSpotCalls  int
	UpsertCalls   int
	UpsertedSpots []store.Spot
	EnsureCalls   int
	AddCalls      int
	RemoveCalls   int
}

// Compile-time check.
var _ store.MetadataStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		spots:   make(map[string]*store.Spot),
		lists:   make(map[string]store.List),
		members: make(map[string]map[string]bool),

		photoFailures:  make(map[string]int),
		photoAttempted: make(map[string]time.Time),

		Now: time.Now,
	}
}

// -------------------------------------------------------------------------
// SEEDING AND INSPECTION
// -------------------------------------------------------------------------

// PutSpot stores a spot verbatim, bypassing upsert semantics.
func (m *MemoryStore) PutSpot(s store.Spot) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	cp := cloneSpot(s)
	m.spots[s.PlaceID] = &cp
}

// Spot returns a copy of a stored spot.
func (m *MemoryStore) Spot(placeID string) (store.Spot, bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	s, ok := m.spots[placeID]
	if !ok {
		return store.Spot{}, false
	}
	return cloneSpot(*s), true
}

// PhotoFailures returns the recorded failed mirror attempts for a spot.
func (m *MemoryStore) PhotoFailures(placeID string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.photoFailures[placeID]
}

// AddList creates a list with a generated ID and returns it.
func (m *MemoryStore) AddList(userID, name string, kind store.ListKind) store.List {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.addListLocked(userID, name, kind)
}

// Members returns the place IDs in a list, sorted.
func (m *MemoryStore) Members(listID string) []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make([]string, 0, len(m.members[listID]))
	for id := range m.members[listID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// SetMember inserts a membership row directly.
func (m *MemoryStore) SetMember(listID, placeID string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.members[listID] == nil {
		m.members[listID] = make(map[string]bool)
	}
	m.members[listID][placeID] = true
}

// Writes returns the number of membership writes issued so far.
func (m *MemoryStore) Writes() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.AddCalls + m.RemoveCalls
}

// -------------------------------------------------------------------------
// SPOTS
// -------------------------------------------------------------------------

func (m *MemoryStore) GetSpot(_ context.Context, placeID string) (*store.Spot, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.GetSpotCalls++
	if m.GetSpotErr != nil {
		return nil, m.GetSpotErr
	}
	s, ok := m.spots[placeID]
	if !ok {
		return nil, store.ErrSpotNotFound
	}
	cp := cloneSpot(*s)
	return &cp, nil
}

func (m *MemoryStore) GetSpots(_ context.Context, placeIDs []string) (map[string]*store.Spot, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.GetSpotErr != nil {
		return nil, m.GetSpotErr
	}
	out := make(map[string]*store.Spot, len(placeIDs))
	for _, id := range placeIDs {
		if s, ok := m.spots[id]; ok {
			cp := cloneSpot(*s)
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertSpot(_ context.Context, spot *store.Spot) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.upsertLocked(*spot)
}

func (m *MemoryStore) UpsertSpots(_ context.Context, spots []store.Spot) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	for _, s := range spots {
		if err := m.upsertLocked(s); err != nil {
			return err
		}
	}
	return nil
}

// upsertLocked merges in the same way as the upsert_spot procedure.
func (m *MemoryStore) upsertLocked(in store.Spot) error {
	m.UpsertCalls++
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.UpsertedSpots = append(m.UpsertedSpots, cloneSpot(in))

	now := m.Now()
	cur, ok := m.spots[in.PlaceID]
	if !ok {
		cp := cloneSpot(in)
		cp.CreatedAt, cp.UpdatedAt = now, now
		cp.DistanceMeters = nil
		m.spots[in.PlaceID] = &cp
		return nil
	}

	if in.Name != "" {
		cur.Name = in.Name
	}
	if in.Address != "" {
		cur.Address = in.Address
	}
	if in.City != "" {
		cur.City = in.City
	}
	if in.Location != nil {
		loc := *in.Location
		cur.Location = &loc
	}
	if len(in.Categories) > 0 {
		cur.Categories = slices.Clone(in.Categories)
	}
	if in.Rating != nil {
		r := *in.Rating
		cur.Rating = &r
	}
	if in.PhotoURL != "" {
		cur.PhotoURL = in.PhotoURL
	}
	if in.PhotoRef != "" {
		if in.PhotoRef != cur.PhotoRef {
			delete(m.photoFailures, in.PlaceID)
			delete(m.photoAttempted, in.PlaceID)
		}
		cur.PhotoRef = in.PhotoRef
	}
	cur.UpdatedAt = now
	return nil
}

func (m *MemoryStore) EnsureSpot(_ context.Context, placeID string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.EnsureCalls++
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	if _, ok := m.spots[placeID]; !ok {
		now := m.Now()
		m.spots[placeID] = &store.Spot{PlaceID: placeID, CreatedAt: now, UpdatedAt: now}
	}
	return nil
}

func (m *MemoryStore) SpotsMissingPhotos(_ context.Context, limit int) ([]store.Spot, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.MissingPhotosLimit = limit
	if m.GetSpotErr != nil {
		return nil, m.GetSpotErr
	}
	var out []store.Spot
	for _, s := range m.spots {
		if s.PhotoURL == "" && s.PhotoRef != "" && m.photoFailures[s.PlaceID] < store.MaxPhotoAttempts {
			out = append(out, cloneSpot(*s))
		}
	}
	slices.SortFunc(out, func(a, b store.Spot) int {
		if c := cmp.Compare(m.photoFailures[a.PlaceID], m.photoFailures[b.PlaceID]); c != 0 {
			return c
		}
		// never attempted sorts first
		ta, tb := m.photoAttempted[a.PlaceID], m.photoAttempted[b.PlaceID]
		if c := ta.Compare(tb); c != 0 {
			return c
		}
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordPhotoFailure(_ context.Context, placeID string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	if _, ok := m.spots[placeID]; !ok {
		return nil
	}
	m.photoFailures[placeID]++
	m.photoAttempted[placeID] = m.Now()
	return nil
}

func (m *MemoryStore) SpotStats(context.Context) (store.SpotStats, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var st store.SpotStats
	for _, s := range m.spots {
		st.Total++
		switch {
		case s.PhotoURL != "":
			st.WithPhoto++
		case s.PhotoRef != "":
			st.PendingPhoto++
		}
	}
	return st, nil
}

// -------------------------------------------------------------------------
// LISTS
// -------------------------------------------------------------------------

func (m *MemoryStore) EnsureSystemLists(_ context.Context, userID string) ([]store.List, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	have := make(map[store.ListKind]bool)
	for _, id := range m.order {
		l := m.lists[id]
		if l.UserID == userID && l.Kind != store.KindCustom {
			have[l.Kind] = true
		}
	}
	for _, kind := range store.SystemKinds {
		if !have[kind] {
			m.addListLocked(userID, store.SystemListName(kind), kind)
		}
	}

	var out []store.List
	for _, id := range m.order {
		l := m.lists[id]
		if l.UserID == userID && l.Kind != store.KindCustom {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateList(_ context.Context, userID, name string) (*store.List, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	l := m.addListLocked(userID, name, store.KindCustom)
	return &l, nil
}

func (m *MemoryStore) UserLists(_ context.Context, userID string) ([]store.List, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []store.List
	for _, id := range m.order {
		if l := m.lists[id]; l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryStore) UserMemberships(_ context.Context, userID, placeID string) ([]store.MembershipState, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.MembershipsErr != nil {
		return nil, m.MembershipsErr
	}
	var out []store.MembershipState
	for _, id := range m.order {
		if m.lists[id].UserID != userID {
			continue
		}
		out = append(out, store.MembershipState{ListID: id, Member: m.members[id][placeID]})
	}
	return out, nil
}

func (m *MemoryStore) AddMembership(_ context.Context, listID, placeID string) error {
	if m.OnWrite != nil {
		m.OnWrite()
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.AddCalls++
	if err := m.AddErr[listID]; err != nil {
		return err
	}
	if _, ok := m.lists[listID]; !ok {
		return store.ErrListNotFound
	}
	if _, ok := m.spots[placeID]; !ok {
		return store.ErrSpotNotFound
	}
	if m.members[listID] == nil {
		m.members[listID] = make(map[string]bool)
	}
	if m.members[listID][placeID] {
		return store.ErrDuplicateMembership
	}
	m.members[listID][placeID] = true
	return nil
}

func (m *MemoryStore) RemoveMembership(_ context.Context, listID, placeID string) error {
	if m.OnWrite != nil {
		m.OnWrite()
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RemoveCalls++
	if err := m.RemoveErr[listID]; err != nil {
		return err
	}
	delete(m.members[listID], placeID)
	return nil
}

func (m *MemoryStore) CountMemberships(_ context.Context, listIDs []string) (map[string]int, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.CountErr != nil {
		return nil, m.CountErr
	}
	out := make(map[string]int, len(listIDs))
	for _, id := range listIDs {
		out[id] = len(m.members[id])
	}
	return out, nil
}

// -------------------------------------------------------------------------
// COORDINATION
// -------------------------------------------------------------------------

func (m *MemoryStore) WithAdvisoryLock(ctx context.Context, _ int64, fn func(ctx context.Context) error) (bool, error) {
	m.Mu.Lock()
	held := m.LockHeld
	m.Mu.Unlock()
	if held {
		return false, nil
	}
	return true, fn(ctx)
}

func (m *MemoryStore) Ping(context.Context) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.PingErr
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

func (m *MemoryStore) addListLocked(userID, name string, kind store.ListKind) store.List {
	l := store.List{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Kind:      kind,
		CreatedAt: m.Now(),
	}
	m.lists[l.ID] = l
	m.order = append(m.order, l.ID)
	return l
}

func cloneSpot(s store.Spot) store.Spot {
	cp := s
	if s.Location != nil {
		loc := geo.Coordinate{Lat: s.Location.Lat, Lng: s.Location.Lng}
		cp.Location = &loc
	}
	if s.Rating != nil {
		r := *s.Rating
		cp.Rating = &r
	}
	cp.Categories = slices.Clone(s.Categories)
	cp.DistanceMeters = nil
	return cp
}
