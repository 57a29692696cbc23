// -------------------------------------------------------------------------------
// Background Service Definitions
//
// Author: Alex Freidah
//
// Periodic services run by the lifecycle manager: the photo backfill, which
// mirrors photos for stored spots that still lack a durable URL, and the spot
// stats refresher behind the spots gauge. The backfill takes a PostgreSQL
// advisory lock so only one instance works the queue at a time.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/afreidah/spotkeeper/internal/audit"
	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/lifecycle"
	"github.com/afreidah/spotkeeper/internal/store"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

const spotStatsInterval = time.Minute

// backfiller mirrors up to limit missing photos and reports how many landed.
type backfiller interface {
	Backfill(ctx context.Context, limit int) (int, error)
}

// advisoryLocker runs fn while holding a cluster-wide lock.
type advisoryLocker interface {
	WithAdvisoryLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) (bool, error)
}

type statsSource interface {
	SpotStats(ctx context.Context) (store.SpotStats, error)
}

// -------------------------------------------------------------------------
// PHOTO BACKFILL
// -------------------------------------------------------------------------

// newPhotoBackfillService runs the backfill on the live config's interval.
// A zero interval parks the service until a reload enables it.
func newPhotoBackfillService(b backfiller, locker advisoryLocker, live *atomic.Pointer[config.Config]) *lifecycle.Periodic {
	return &lifecycle.Periodic{
		Interval: func() time.Duration { return live.Load().Photos.BackfillInterval },
		Task: func(ctx context.Context) {
			runPhotoBackfill(ctx, b, locker, live.Load().Photos.BackfillLimit)
		},
	}
}

func runPhotoBackfill(ctx context.Context, b backfiller, locker advisoryLocker, limit int) {
	tickCtx := audit.WithRequestID(ctx, audit.NewID())
	acquired, err := locker.WithAdvisoryLock(tickCtx, store.LockPhotoBackfill,
		func(lockCtx context.Context) error {
			mirrored, err := b.Backfill(lockCtx, limit)
			if err != nil {
				return err
			}
			if mirrored > 0 {
				slog.Info("Photo backfill completed", "mirrored", mirrored, "limit", limit)
			}
			return nil
		})
	if err != nil && !errors.Is(err, store.ErrDBUnavailable) {
		slog.Error("Photo backfill failed", "error", err)
	}
	if !acquired && err == nil {
		slog.Debug("Photo backfill skipped, another instance holds the lock")
	}
}

// -------------------------------------------------------------------------
// SPOT STATS
// -------------------------------------------------------------------------

func newSpotStatsService(src statsSource) *lifecycle.Periodic {
	return &lifecycle.Periodic{
		Interval: func() time.Duration { return spotStatsInterval },
		Task:     func(ctx context.Context) { refreshSpotStats(ctx, src) },
	}
}

func refreshSpotStats(ctx context.Context, src statsSource) {
	stats, err := src.SpotStats(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrDBUnavailable) {
			slog.Warn("Failed to refresh spot stats", "error", err)
		}
		return
	}
	telemetry.SpotsTotal.WithLabelValues("mirrored").Set(float64(stats.WithPhoto))
	telemetry.SpotsTotal.WithLabelValues("pending").Set(float64(stats.PendingPhoto))
	telemetry.SpotsTotal.WithLabelValues("none").Set(float64(stats.Total - stats.WithPhoto - stats.PendingPhoto))
	slog.Debug("Spot stats refreshed",
		"total", humanize.Comma(stats.Total),
		"mirrored", humanize.Comma(stats.WithPhoto),
		"pending", humanize.Comma(stats.PendingPhoto),
	)
}
