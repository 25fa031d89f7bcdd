package hierarchy

import (
	"context"
	"errors"
	"fmt"
)

// maxAccessDepth bounds the parent walk; the deepest valid chain has six rooms
const maxAccessDepth = 8

// CheckAccess resolves userID's effective level on a room by walking parent links.
// At each room the owner short-circuits to admin; otherwise an explicit grant on
// an access-controlled room decides. Reaching the root without either denies.
func (r *Registry) CheckAccess(ctx context.Context, id RoomID, userID string, minLevel AccessLevel) (AccessLevel, error) {
	if err := id.Validate(); err != nil {
		return AccessNone, err
	}

	visited := map[RoomID]bool{}
	cur := id
	for depth := 0; cur != "" && depth < maxAccessDepth && !visited[cur]; depth++ {
		visited[cur] = true
		room, err := r.loadRoom(ctx, cur)
		if errors.Is(err, ErrRoomNotFound) {
			break
		}
		if err != nil {
			return AccessNone, err
		}

		if userID != "" && room.OwnerID == userID {
			return AccessAdmin, nil
		}
		if room.AccessControlled {
			raw, ok, err := r.store.Access(ctx, string(cur), userID)
			if err != nil {
				return AccessNone, fmt.Errorf("read grants of %s: %w", cur, err)
			}
			if ok {
				level := ParseAccessLevel(raw)
				if level >= minLevel {
					return level, nil
				}
				return level, fmt.Errorf("%w: %s has %s on %s, needs %s", ErrAccessDenied, userID, level, cur, minLevel)
			}
		}
		cur = room.Parent
	}
	return AccessNone, fmt.Errorf("%w: %s has no grant on %s", ErrAccessDenied, userID, id)
}

// GrantAccess records an explicit grant and marks the room access-controlled.
// Granting AccessNone is an explicit deny that stops inheritance.
func (r *Registry) GrantAccess(ctx context.Context, id RoomID, userID string, level AccessLevel) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := r.store.TouchRoom(ctx, string(id), map[string]string{fieldAccessControlled: "1"}); err != nil {
		return r.translate(err, id)
	}
	if err := r.store.SetAccess(ctx, string(id), userID, level.String()); err != nil {
		return fmt.Errorf("grant %s on %s: %w", level, id, err)
	}
	return nil
}

// RevokeAccess removes an explicit grant; inheritance applies again afterwards
func (r *Registry) RevokeAccess(ctx context.Context, id RoomID, userID string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := r.store.RemoveAccess(ctx, string(id), userID); err != nil {
		return fmt.Errorf("revoke %s on %s: %w", userID, id, err)
	}
	return nil
}
