// -------------------------------------------------------------------------------
// PostgresStore - pgx-backed MetadataStore
//
// Author: Alex Freidah
//
// PostgreSQL implementation of MetadataStore on a pgx connection pool with
// OpenTelemetry query tracing. Spot writes go through the upsert_spot stored
// procedure; membership inserts rely on the (list_id, place_id) primary key
// and surface a unique violation as ErrDuplicateMembership.
// -------------------------------------------------------------------------------

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/geo"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// PostgreSQL error codes mapped to sentinels.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"
)

// PostgresStore implements MetadataStore on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time check.
var _ MetadataStore = (*PostgresStore)(nil)

// NewPostgresStore opens a traced connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for migrations.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// -------------------------------------------------------------------------
// SPOTS
// -------------------------------------------------------------------------

const spotColumns = `place_id, name, address, city, latitude, longitude, categories, rating,
	photo_url, photo_ref, created_at, updated_at`

// GetSpot returns the spot for a place ID or ErrSpotNotFound.
func (s *PostgresStore) GetSpot(ctx context.Context, placeID string) (*Spot, error) {
	defer observe("GetSpot", time.Now())

	row := s.pool.QueryRow(ctx, `SELECT `+spotColumns+` FROM spots WHERE place_id = $1`, placeID)
	spot, err := scanSpot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSpotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spot %s: %w", placeID, err)
	}
	return spot, nil
}

// GetSpots returns the stored spots among placeIDs, keyed by place ID.
// Missing places are absent from the map.
func (s *PostgresStore) GetSpots(ctx context.Context, placeIDs []string) (map[string]*Spot, error) {
	defer observe("GetSpots", time.Now())

	out := make(map[string]*Spot, len(placeIDs))
	if len(placeIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT `+spotColumns+` FROM spots WHERE place_id = ANY($1)`, placeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query spots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		spot, err := scanSpot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spot: %w", err)
		}
		out[spot.PlaceID] = spot
	}
	return out, rows.Err()
}

// UpsertSpot inserts or merges a spot through the upsert_spot procedure.
// Empty optional fields never overwrite stored values.
func (s *PostgresStore) UpsertSpot(ctx context.Context, spot *Spot) error {
	defer observe("UpsertSpot", time.Now())

	if _, err := s.pool.Exec(ctx, upsertSpotSQL, upsertArgs(spot)...); err != nil {
		return fmt.Errorf("failed to upsert spot %s: %w", spot.PlaceID, err)
	}
	return nil
}

// UpsertSpots upserts many spots in one round trip.
func (s *PostgresStore) UpsertSpots(ctx context.Context, spots []Spot) error {
	defer observe("UpsertSpots", time.Now())

	if len(spots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range spots {
		batch.Queue(upsertSpotSQL, upsertArgs(&spots[i])...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for i := range spots {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert spot %s: %w", spots[i].PlaceID, err)
		}
	}
	return nil
}

// EnsureSpot creates a bare spot row when none exists.
func (s *PostgresStore) EnsureSpot(ctx context.Context, placeID string) error {
	defer observe("EnsureSpot", time.Now())

	_, err := s.pool.Exec(ctx, `INSERT INTO spots (place_id) VALUES ($1) ON CONFLICT (place_id) DO NOTHING`, placeID)
	if err != nil {
		return fmt.Errorf("failed to ensure spot %s: %w", placeID, err)
	}
	return nil
}

// RecordPhotoFailure counts a failed mirror attempt against a spot.
func (s *PostgresStore) RecordPhotoFailure(ctx context.Context, placeID string) error {
	defer observe("RecordPhotoFailure", time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE spots
		SET photo_failures = photo_failures + 1, photo_attempted_at = now()
		WHERE place_id = $1
	`, placeID)
	if err != nil {
		return fmt.Errorf("failed to record photo failure for %s: %w", placeID, err)
	}
	return nil
}

// SpotsMissingPhotos returns spots that have a photo reference but no
// durable URL. Spots that never failed come first, then the least recently
// attempted; spots at MaxPhotoAttempts are skipped.
func (s *PostgresStore) SpotsMissingPhotos(ctx context.Context, limit int) ([]Spot, error) {
	defer observe("SpotsMissingPhotos", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+spotColumns+`
		FROM spots
		WHERE photo_url IS NULL AND photo_ref IS NOT NULL AND photo_failures < $2
		ORDER BY photo_failures, photo_attempted_at NULLS FIRST, updated_at
		LIMIT $1
	`, limit, MaxPhotoAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query spots missing photos: %w", err)
	}
	defer rows.Close()

	var out []Spot
	for rows.Next() {
		spot, err := scanSpot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spot: %w", err)
		}
		out = append(out, *spot)
	}
	return out, rows.Err()
}

// SpotStats counts spots by photo state.
func (s *PostgresStore) SpotStats(ctx context.Context) (SpotStats, error) {
	defer observe("SpotStats", time.Now())

	var st SpotStats
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(photo_url),
		       count(*) FILTER (WHERE photo_url IS NULL AND photo_ref IS NOT NULL)
		FROM spots
	`).Scan(&st.Total, &st.WithPhoto, &st.PendingPhoto)
	if err != nil {
		return SpotStats{}, fmt.Errorf("failed to count spots: %w", err)
	}
	return st, nil
}

// -------------------------------------------------------------------------
// LISTS
// -------------------------------------------------------------------------

// EnsureSystemLists creates any missing system lists for a user and returns
// all of the user's system lists.
func (s *PostgresStore) EnsureSystemLists(ctx context.Context, userID string) ([]List, error) {
	defer observe("EnsureSystemLists", time.Now())

	batch := &pgx.Batch{}
	for _, kind := range SystemKinds {
		batch.Queue(`
			INSERT INTO lists (id, user_id, name, kind)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, kind) WHERE kind <> 'custom' DO NOTHING
		`, uuid.NewString(), userID, SystemListName(kind), string(kind))
	}
	br := s.pool.SendBatch(ctx, batch)
	for range SystemKinds {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("failed to create system lists for %s: %w", userID, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to create system lists for %s: %w", userID, err)
	}

	return s.queryLists(ctx, `
		SELECT id::text, user_id, name, kind, created_at
		FROM lists
		WHERE user_id = $1 AND kind <> 'custom'
		ORDER BY created_at, kind
	`, userID)
}

// CreateList creates a custom list for a user.
func (s *PostgresStore) CreateList(ctx context.Context, userID, name string) (*List, error) {
	defer observe("CreateList", time.Now())

	l := List{ID: uuid.NewString(), UserID: userID, Name: name, Kind: KindCustom}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO lists (id, user_id, name, kind)
		VALUES ($1, $2, $3, 'custom')
		RETURNING created_at
	`, l.ID, userID, name).Scan(&l.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create list for %s: %w", userID, err)
	}
	return &l, nil
}

// UserLists returns all lists owned by a user, oldest first.
func (s *PostgresStore) UserLists(ctx context.Context, userID string) ([]List, error) {
	defer observe("UserLists", time.Now())

	return s.queryLists(ctx, `
		SELECT id::text, user_id, name, kind, created_at
		FROM lists
		WHERE user_id = $1
		ORDER BY created_at, name
	`, userID)
}

// UserMemberships returns every list the user owns with a flag for whether
// placeID is in it.
func (s *PostgresStore) UserMemberships(ctx context.Context, userID, placeID string) ([]MembershipState, error) {
	defer observe("UserMemberships", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT l.id::text, m.place_id IS NOT NULL
		FROM lists l
		LEFT JOIN list_memberships m ON m.list_id = l.id AND m.place_id = $2
		WHERE l.user_id = $1
		ORDER BY l.created_at
	`, userID, placeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships for %s: %w", placeID, err)
	}
	defer rows.Close()

	var out []MembershipState
	for rows.Next() {
		var m MembershipState
		if err := rows.Scan(&m.ListID, &m.Member); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMembership inserts one membership row. A row that already exists is
// reported as ErrDuplicateMembership.
func (s *PostgresStore) AddMembership(ctx context.Context, listID, placeID string) error {
	defer observe("AddMembership", time.Now())

	_, err := s.pool.Exec(ctx, `INSERT INTO list_memberships (list_id, place_id) VALUES ($1, $2)`, listID, placeID)
	if err != nil {
		return fmt.Errorf("failed to add %s to list %s: %w", placeID, listID, mapPgError(err))
	}
	return nil
}

// RemoveMembership deletes one membership row. Removing an absent row is
// not an error.
func (s *PostgresStore) RemoveMembership(ctx context.Context, listID, placeID string) error {
	defer observe("RemoveMembership", time.Now())

	_, err := s.pool.Exec(ctx, `DELETE FROM list_memberships WHERE list_id = $1 AND place_id = $2`, listID, placeID)
	if err != nil {
		return fmt.Errorf("failed to remove %s from list %s: %w", placeID, listID, mapPgError(err))
	}
	return nil
}

// CountMemberships returns the spot count of each requested list. Lists
// with no members report zero.
func (s *PostgresStore) CountMemberships(ctx context.Context, listIDs []string) (map[string]int, error) {
	defer observe("CountMemberships", time.Now())

	out := make(map[string]int, len(listIDs))
	if len(listIDs) == 0 {
		return out, nil
	}
	for _, id := range listIDs {
		out[id] = 0
	}

	rows, err := s.pool.Query(ctx, `
		SELECT list_id::text, count(*)
		FROM list_memberships
		WHERE list_id::text = ANY($1)
		GROUP BY list_id
	`, listIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to count memberships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan membership count: %w", err)
		}
		out[id] = int(n)
	}
	return out, rows.Err()
}

// -------------------------------------------------------------------------
// COORDINATION
// -------------------------------------------------------------------------

// WithAdvisoryLock runs fn while holding a session-level advisory lock.
// Returns false without running fn when another session holds the lock.
func (s *PostgresStore) WithAdvisoryLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("failed to try advisory lock %d: %w", lockID, err)
	}
	if !acquired {
		return false, nil
	}

	defer func() {
		// Unlock on a fresh context so a canceled caller still releases it.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, lockID); err != nil {
			// Drop the session so the lock dies with it.
			_ = conn.Conn().Close(unlockCtx)
		}
	}()

	return true, fn(ctx)
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

const upsertSpotSQL = `SELECT upsert_spot($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func upsertArgs(s *Spot) []any {
	var lat, lng *float64
	if s.Location != nil {
		lat, lng = &s.Location.Lat, &s.Location.Lng
	}
	categories := s.Categories
	if categories == nil {
		categories = []string{}
	}
	return []any{
		s.PlaceID,
		s.Name,
		s.Address,
		s.City,
		lat,
		lng,
		categories,
		s.Rating,
		nullable(s.PhotoURL),
		nullable(s.PhotoRef),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanSpot(row pgx.Row) (*Spot, error) {
	var (
		s                  Spot
		lat, lng           *float64
		photoURL, photoRef *string
	)
	err := row.Scan(&s.PlaceID, &s.Name, &s.Address, &s.City, &lat, &lng, &s.Categories, &s.Rating,
		&photoURL, &photoRef, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		s.Location = &geo.Coordinate{Lat: *lat, Lng: *lng}
	}
	if photoURL != nil {
		s.PhotoURL = *photoURL
	}
	if photoRef != nil {
		s.PhotoRef = *photoRef
	}
	return &s, nil
}

func (s *PostgresStore) queryLists(ctx context.Context, query string, args ...any) ([]List, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()

	var out []List
	for rows.Next() {
		var (
			l    List
			kind string
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &kind, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan list: %w", err)
		}
		l.Kind = ListKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}

// mapPgError translates constraint violations to package sentinels.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return ErrDuplicateMembership
	case pgForeignKeyViolation:
		if strings.Contains(pgErr.ConstraintName, "place_id") {
			return ErrSpotNotFound
		}
		return ErrListNotFound
	case pgInvalidText:
		// Malformed UUID list IDs cannot name an existing list.
		return ErrListNotFound
	}
	return err
}

// observe records the latency of a store call.
func observe(method string, start time.Time) {
	telemetry.StoreDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
