// -------------------------------------------------------------------------------
// CircuitBreakerStore - Database Degradation Wrapper
//
// Author: Alex Freidah
//
// Wraps a MetadataStore with a three-state circuit breaker. While the database
// is unreachable every call fails fast with ErrDBUnavailable, which the API
// maps to 503 and the photo pipeline logs and skips. Domain outcomes such as a
// missing spot or a duplicate membership are answers, not outages, and never
// count toward the failure threshold.
//
// States: closed (healthy) -> open (DB down) -> half-open (probing) -> closed.
// -------------------------------------------------------------------------------

package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// -------------------------------------------------------------------------
// STATE
// -------------------------------------------------------------------------

type circuitState int

const (
	stateClosed   circuitState = iota // all calls pass through
	stateOpen                         // fail fast with ErrDBUnavailable
	stateHalfOpen                     // one probe call allowed through
)

// String returns the human-readable name of the circuit state.
func (s circuitState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// CIRCUIT BREAKER STORE
// -------------------------------------------------------------------------

// CircuitBreakerStore implements MetadataStore on top of another store.
type CircuitBreakerStore struct {
	real          MetadataStore
	mu            sync.RWMutex
	state         circuitState
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	failThreshold int
	openTimeout   time.Duration
	probeInFlight atomic.Bool
}

// Compile-time check.
var _ MetadataStore = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore wraps real with circuit breaker logic.
func NewCircuitBreakerStore(real MetadataStore, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerStore{
		real:          real,
		state:         stateClosed,
		failThreshold: threshold,
		openTimeout:   cfg.OpenTimeout,
	}
}

// IsHealthy reports whether the circuit is closed.
func (cb *CircuitBreakerStore) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == stateClosed
}

// State returns the current circuit state name for health reporting.
func (cb *CircuitBreakerStore) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state.String()
}

// -------------------------------------------------------------------------
// STATE MACHINE
// -------------------------------------------------------------------------

// preCheck returns ErrDBUnavailable while the circuit is open. Once the open
// timeout elapses a single caller is let through as the half-open probe.
func (cb *CircuitBreakerStore) preCheck() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if time.Since(cb.lastFailure) < cb.openTimeout {
			return ErrDBUnavailable
		}
		if !cb.probeInFlight.CompareAndSwap(false, true) {
			return ErrDBUnavailable
		}
		cb.transition(stateHalfOpen)
		return nil
	case stateHalfOpen:
		return ErrDBUnavailable
	default:
		return nil
	}
}

// postCheck records a call result. A failure that leaves the circuit open is
// reported as ErrDBUnavailable so callers see one sentinel for "database down".
func (cb *CircuitBreakerStore) postCheck(err error) error {
	if !isDBError(err) {
		cb.onSuccess()
		return err
	}
	cb.onFailure()
	if !cb.IsHealthy() {
		return ErrDBUnavailable
	}
	return err
}

func (cb *CircuitBreakerStore) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateHalfOpen {
		cb.probeInFlight.Store(false)
		cb.transition(stateClosed)
	}
	cb.failures = 0
}

func (cb *CircuitBreakerStore) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case stateHalfOpen:
		cb.probeInFlight.Store(false)
		cb.transition(stateOpen)
	case stateClosed:
		if cb.failures >= cb.failThreshold {
			cb.transition(stateOpen)
		}
	}
}

// transition changes state and emits metrics and logs. Caller must hold cb.mu.
func (cb *CircuitBreakerStore) transition(to circuitState) {
	from := cb.state
	cb.state = to
	telemetry.CircuitBreakerState.Set(float64(to))
	telemetry.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()

	switch {
	case to == stateOpen && from == stateClosed:
		cb.openedAt = time.Now()
		slog.Warn("Circuit breaker opened: failure threshold reached",
			"from", from.String(),
			"to", to.String(),
			"failures", cb.failures,
			"threshold", cb.failThreshold)

	case to == stateOpen && from == stateHalfOpen:
		slog.Warn("Circuit breaker reopened: probe failed",
			"from", from.String(),
			"to", to.String(),
			"failures", cb.failures)

	case to == stateHalfOpen:
		slog.Info("Circuit breaker half-open: probing database",
			"from", from.String(),
			"to", to.String(),
			"open_duration", time.Since(cb.openedAt).Round(time.Millisecond).String())

	case to == stateClosed:
		slog.Info("Circuit breaker closed: database recovered",
			"from", from.String(),
			"to", to.String(),
			"degraded_duration", time.Since(cb.openedAt).Round(time.Millisecond).String())
	}
}

// isDBError reports whether err indicates the database itself is failing.
// Domain sentinels and caller cancellation do not trip the breaker.
func isDBError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSpotNotFound),
		errors.Is(err, ErrListNotFound),
		errors.Is(err, ErrDuplicateMembership),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// -------------------------------------------------------------------------
// FORWARDING HELPERS
// -------------------------------------------------------------------------

func cbCall[T any](cb *CircuitBreakerStore, fn func() (T, error)) (T, error) {
	var zero T
	if err := cb.preCheck(); err != nil {
		return zero, err
	}
	result, err := fn()
	return result, cb.postCheck(err)
}

func cbCallNoResult(cb *CircuitBreakerStore, fn func() error) error {
	if err := cb.preCheck(); err != nil {
		return err
	}
	return cb.postCheck(fn())
}

// -------------------------------------------------------------------------
// SPOTS
// -------------------------------------------------------------------------

// GetSpot delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) GetSpot(ctx context.Context, placeID string) (*Spot, error) {
	return cbCall(cb, func() (*Spot, error) { return cb.real.GetSpot(ctx, placeID) })
}

// GetSpots delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) GetSpots(ctx context.Context, placeIDs []string) (map[string]*Spot, error) {
	return cbCall(cb, func() (map[string]*Spot, error) { return cb.real.GetSpots(ctx, placeIDs) })
}

// UpsertSpot delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) UpsertSpot(ctx context.Context, spot *Spot) error {
	return cbCallNoResult(cb, func() error { return cb.real.UpsertSpot(ctx, spot) })
}

// UpsertSpots delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) UpsertSpots(ctx context.Context, spots []Spot) error {
	return cbCallNoResult(cb, func() error { return cb.real.UpsertSpots(ctx, spots) })
}

// EnsureSpot delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) EnsureSpot(ctx context.Context, placeID string) error {
	return cbCallNoResult(cb, func() error { return cb.real.EnsureSpot(ctx, placeID) })
}

// SpotsMissingPhotos delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) SpotsMissingPhotos(ctx context.Context, limit int) ([]Spot, error) {
	return cbCall(cb, func() ([]Spot, error) { return cb.real.SpotsMissingPhotos(ctx, limit) })
}

// RecordPhotoFailure delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) RecordPhotoFailure(ctx context.Context, placeID string) error {
	return cbCallNoResult(cb, func() error { return cb.real.RecordPhotoFailure(ctx, placeID) })
}

// SpotStats delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) SpotStats(ctx context.Context) (SpotStats, error) {
	return cbCall(cb, func() (SpotStats, error) { return cb.real.SpotStats(ctx) })
}

// -------------------------------------------------------------------------
// LISTS
// -------------------------------------------------------------------------

// EnsureSystemLists delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) EnsureSystemLists(ctx context.Context, userID string) ([]List, error) {
	return cbCall(cb, func() ([]List, error) { return cb.real.EnsureSystemLists(ctx, userID) })
}

// CreateList delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) CreateList(ctx context.Context, userID, name string) (*List, error) {
	return cbCall(cb, func() (*List, error) { return cb.real.CreateList(ctx, userID, name) })
}

// UserLists delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) UserLists(ctx context.Context, userID string) ([]List, error) {
	return cbCall(cb, func() ([]List, error) { return cb.real.UserLists(ctx, userID) })
}

// UserMemberships delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) UserMemberships(ctx context.Context, userID, placeID string) ([]MembershipState, error) {
	return cbCall(cb, func() ([]MembershipState, error) { return cb.real.UserMemberships(ctx, userID, placeID) })
}

// AddMembership delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) AddMembership(ctx context.Context, listID, placeID string) error {
	return cbCallNoResult(cb, func() error { return cb.real.AddMembership(ctx, listID, placeID) })
}

// RemoveMembership delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) RemoveMembership(ctx context.Context, listID, placeID string) error {
	return cbCallNoResult(cb, func() error { return cb.real.RemoveMembership(ctx, listID, placeID) })
}

// CountMemberships delegates with circuit breaker protection.
func (cb *CircuitBreakerStore) CountMemberships(ctx context.Context, listIDs []string) (map[string]int, error) {
	return cbCall(cb, func() (map[string]int, error) { return cb.real.CountMemberships(ctx, listIDs) })
}

// -------------------------------------------------------------------------
// COORDINATION
// -------------------------------------------------------------------------

// WithAdvisoryLock bypasses the breaker. A lock attempt against a dead
// database fails on its own and the background task is skipped.
func (cb *CircuitBreakerStore) WithAdvisoryLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) (bool, error) {
	return cb.real.WithAdvisoryLock(ctx, lockID, fn)
}

// Ping delegates with circuit breaker protection so a successful health
// probe can close a half-open circuit.
func (cb *CircuitBreakerStore) Ping(ctx context.Context) error {
	return cbCallNoResult(cb, func() error { return cb.real.Ping(ctx) })
}
