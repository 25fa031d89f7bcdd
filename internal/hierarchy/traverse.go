package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// EventRecord is appended to each visited room's history when set on TraverseOptions
type EventRecord struct {
	Type    string
	Payload []byte
}

// TraverseOptions tunes a traversal
type TraverseOptions struct {
	// MaxDepth bounds how many ancestors TraverseUp visits; zero uses the configured default
	MaxDepth int
	// Record persists the event at every hop
	Record *EventRecord
	// ExcludeOrigin starts the walk at origin without recording or returning it
	ExcludeOrigin bool
}

// TraverseUp walks parent links from origin, returning origin followed by each
// visited ancestor. A missing room ends the walk without error. The returned
// error only reports failed history writes; the path is always complete.
func (r *Registry) TraverseUp(ctx context.Context, origin RoomID, opts TraverseOptions) ([]RoomID, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = r.cfg.MaxDepth
	}

	var path []RoomID
	var errs []error
	visited := map[RoomID]bool{}
	cur := origin
	for hops := 0; cur != "" && hops <= maxDepth && !visited[cur]; hops++ {
		visited[cur] = true
		room, err := r.loadRoom(ctx, cur)
		if errors.Is(err, ErrRoomNotFound) {
			break
		}
		if err != nil {
			return path, err
		}
		if cur != origin || !opts.ExcludeOrigin {
			path = append(path, cur)
			errs = append(errs, r.record(ctx, cur, opts.Record))
		}
		cur = room.Parent
	}
	return path, errors.Join(errs...)
}

// TraverseDown visits origin and its descendants breadth first, each at most once
func (r *Registry) TraverseDown(ctx context.Context, origin RoomID, opts TraverseOptions) ([]RoomID, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}

	var path []RoomID
	var errs []error
	visited := map[RoomID]bool{origin: true}
	queue := []RoomID{origin}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if _, err := r.loadRoom(ctx, cur); err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				continue
			}
			return path, err
		}
		if cur != origin || !opts.ExcludeOrigin {
			path = append(path, cur)
			errs = append(errs, r.record(ctx, cur, opts.Record))
		}

		children, err := r.store.Children(ctx, string(cur))
		if err != nil {
			return path, fmt.Errorf("load children of %s: %w", cur, err)
		}
		for _, c := range children {
			child := RoomID(c)
			if !visited[child] {
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}
	return path, errors.Join(errs...)
}

func (r *Registry) record(ctx context.Context, id RoomID, rec *EventRecord) error {
	if rec == nil {
		return nil
	}
	if err := r.store.AppendEvent(ctx, string(id), rec.Type, rec.Payload); err != nil {
		return fmt.Errorf("record %s on %s: %w", rec.Type, id, err)
	}
	return nil
}

// RecentEvents returns up to n persisted events of eventType on a room, newest first
func (r *Registry) RecentEvents(ctx context.Context, id RoomID, eventType string, n int) ([]json.RawMessage, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	raw, err := r.store.RecentEvents(ctx, string(id), eventType, int64(n))
	if err != nil {
		return nil, fmt.Errorf("recent %s events on %s: %w", eventType, id, err)
	}
	out := make([]json.RawMessage, 0, len(raw))
	for _, e := range raw {
		out = append(out, json.RawMessage(e))
	}
	return out, nil
}
