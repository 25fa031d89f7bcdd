package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SweepResult summarizes one cleanup pass
type SweepResult struct {
	Scanned int
	Removed int
}

// Sweep deletes rooms whose last activity is older than the staleness threshold,
// along with their access entries and event history, and unlinks them from their
// parent. Index entries whose room already expired are cleaned up too.
func (r *Registry) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	ids, err := r.store.IndexedRooms(ctx)
	if err != nil {
		return result, fmt.Errorf("list rooms: %w", err)
	}

	cutoff := r.clock.Now().Add(-r.cfg.StaleAfter)
	var errs []error
	for _, raw := range ids {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Scanned++
		id := RoomID(raw)

		room, err := r.loadRoom(ctx, id)
		switch {
		case errors.Is(err, ErrRoomNotFound):
			if err := r.store.DeleteRoom(ctx, raw); err != nil {
				errs = append(errs, err)
				continue
			}
			result.Removed++
		case err != nil:
			errs = append(errs, err)
		case room.LastActivity.Before(cutoff):
			if err := r.teardown(ctx, room); err != nil {
				errs = append(errs, err)
				continue
			}
			r.logger.Debug("Swept stale room %s (last activity %s)", id, room.LastActivity.Format(time.RFC3339))
			result.Removed++
		}
	}
	return result, errors.Join(errs...)
}

// RunSweeper runs Sweep every interval until ctx is done. A zero interval uses the configured one.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.cfg.SweepInterval
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Room sweeper started (interval %v, stale after %v)", interval, r.cfg.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Room sweeper stopped")
			return
		case <-ticker.Chan():
			result, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Warn("Room sweep finished with errors: %v", err)
			}
			if result.Removed > 0 {
				r.logger.Info("Room sweep removed %d of %d rooms", result.Removed, result.Scanned)
			}
		}
	}
}
