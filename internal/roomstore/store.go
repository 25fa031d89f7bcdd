// Package roomstore persists room metadata, membership and event history in Redis.
package roomstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/ericfitz/sessioncore/internal/retry"
	"github.com/ericfitz/sessioncore/internal/slogging"
)

const (
	// DefaultNamespace prefixes every key when no namespace is configured
	DefaultNamespace = "sessioncore"
	// DefaultRoomTTL applies to room, membership and access keys
	DefaultRoomTTL = 24 * time.Hour
	// DefaultEventTTL applies to event history keys
	DefaultEventTTL = 6 * time.Hour
	// DefaultEventHistory caps each event history list
	DefaultEventHistory = 100
)

// ErrNotFound is returned when a room key does not exist or has expired
var ErrNotFound = errors.New("room not found in store")

// Config controls key naming, expiry and retry behavior
type Config struct {
	Namespace    string        `yaml:"namespace" env:"ROOMS_NAMESPACE"`
	RoomTTL      time.Duration `yaml:"room_ttl" env:"ROOMS_ROOM_TTL"`
	EventTTL     time.Duration `yaml:"event_ttl" env:"ROOMS_EVENT_TTL"`
	EventHistory int64         `yaml:"event_history" env:"ROOMS_EVENT_HISTORY"`
	Retry        retry.Config  `yaml:"retry"`
}

// Store is the Redis-backed room store
type Store struct {
	client redis.UniversalClient
	keys   *KeyBuilder
	cfg    Config
}

// Connect opens an instrumented Redis client and verifies it with a ping.
// Pool and timeout settings left at zero get the defaults below.
func Connect(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	logger := slogging.Get()
	logger.Debug("Initializing Redis connection to %s DB=%d", opts.Addr, opts.DB)

	o := *opts
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.PoolSize == 0 {
		o.PoolSize = 10
	}
	if o.MinIdleConns == 0 {
		o.MinIdleConns = 2
	}
	if o.ConnMaxLifetime == 0 {
		o.ConnMaxLifetime = time.Hour
	}
	if o.ConnMaxIdleTime == 0 {
		o.ConnMaxIdleTime = 30 * time.Minute
	}
	client := redis.NewClient(&o)

	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Warn("Failed to instrument Redis tracing: %v", err)
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Warn("Failed to instrument Redis metrics: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Debug("Redis connection established successfully")
	return client, nil
}

// New wraps an existing client
func New(client redis.UniversalClient, cfg Config) *Store {
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = DefaultRoomTTL
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = DefaultEventTTL
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = DefaultEventHistory
	}
	return &Store{
		client: client,
		keys:   NewKeyBuilder(cfg.Namespace),
		cfg:    cfg,
	}
}

// Keys exposes the key builder
func (s *Store) Keys() *KeyBuilder {
	return s.keys
}

// RoomTTL returns the inactivity expiry applied to room keys
func (s *Store) RoomTTL() time.Duration {
	return s.cfg.RoomTTL
}

// Ping checks if the Redis connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) do(ctx context.Context, op string, fn func() error) error {
	return retry.Do(ctx, s.cfg.Retry, op, func() error {
		err := fn()
		if errors.Is(err, redis.Nil) {
			return retry.Permanent(ErrNotFound)
		}
		return err
	})
}

// UpsertRoom writes a room hash. Fields in fixed are only set when absent so
// concurrent creators agree on the first writer; fields in update always win.
// The room's TTL is refreshed and the room is added to the index.
func (s *Store) UpsertRoom(ctx context.Context, roomID string, fixed, update map[string]string) error {
	key := s.keys.RoomKey(roomID)
	return s.do(ctx, "upsert room "+roomID, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for field, value := range fixed {
				pipe.HSetNX(ctx, key, field, value)
			}
			if len(update) > 0 {
				pipe.HSet(ctx, key, pairs(update))
			}
			pipe.Expire(ctx, key, s.cfg.RoomTTL)
			pipe.SAdd(ctx, s.keys.IndexKey(), roomID)
			return nil
		})
		return err
	})
}

// touchScript refreshes a room only while its hash exists, so a touch or join
// racing a teardown cannot resurrect a partial room.
// KEYS: room, members, children, access. ARGV: ttl ms, member ("" for none), field/value pairs.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if ARGV[2] ~= '' then
	redis.call('SADD', KEYS[2], ARGV[2])
end
if #ARGV > 2 then
	redis.call('HSET', KEYS[1], unpack(ARGV, 3))
end
for i = 1, #KEYS do
	redis.call('PEXPIRE', KEYS[i], ARGV[1])
end
return 1
`)

// deleteIfEmptyScript removes a room only when it has no members and no children.
// KEYS: room, members, children, access, index. ARGV: room id.
var deleteIfEmptyScript = redis.NewScript(`
if redis.call('SCARD', KEYS[2]) > 0 or redis.call('SCARD', KEYS[3]) > 0 then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
redis.call('SREM', KEYS[5], ARGV[1])
return 1
`)

// linkScript adds a child only while the parent hash exists.
// KEYS: parent room, parent children. ARGV: child id, ttl ms.
var linkScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

func (s *Store) roomKeys(roomID string) []string {
	return []string{
		s.keys.RoomKey(roomID),
		s.keys.MembersKey(roomID),
		s.keys.ChildrenKey(roomID),
		s.keys.AccessKey(roomID),
	}
}

func (s *Store) touch(ctx context.Context, op, roomID, member string, update map[string]string) error {
	args := make([]any, 0, 2+len(update)*2)
	args = append(args, s.cfg.RoomTTL.Milliseconds(), member)
	for _, v := range pairs(update) {
		args = append(args, v)
	}
	return s.do(ctx, op+" "+roomID, func() error {
		n, err := touchScript.Run(ctx, s.client, s.roomKeys(roomID), args...).Int()
		if err != nil {
			return err
		}
		if n == 0 {
			return retry.Permanent(ErrNotFound)
		}
		return nil
	})
}

// TouchRoom updates fields of an existing room and refreshes TTLs on its keys.
// Returns ErrNotFound when the room has expired or was torn down.
func (s *Store) TouchRoom(ctx context.Context, roomID string, update map[string]string) error {
	return s.touch(ctx, "touch room", roomID, "", update)
}

// JoinRoom adds connID to the members of an existing room, updating fields and
// TTLs in the same step. Returns ErrNotFound when the room is gone.
func (s *Store) JoinRoom(ctx context.Context, roomID, connID string, update map[string]string) error {
	return s.touch(ctx, "join room", roomID, connID, update)
}

// LoadRoom returns the room hash or ErrNotFound
func (s *Store) LoadRoom(ctx context.Context, roomID string) (map[string]string, error) {
	var fields map[string]string
	err := s.do(ctx, "load room "+roomID, func() error {
		var err error
		fields, err = s.client.HGetAll(ctx, s.keys.RoomKey(roomID)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return retry.Permanent(ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// RemoveMember removes a connection from the room's member set
func (s *Store) RemoveMember(ctx context.Context, roomID, connID string) error {
	return s.removeFromSet(ctx, s.keys.MembersKey(roomID), connID)
}

// Members lists member connection ids
func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	return s.setMembers(ctx, s.keys.MembersKey(roomID))
}

// unlinkScript drops a child link only while the child room is absent, so a
// teardown cannot unlink a child that was recreated in the meantime.
// KEYS: parent children, child room. ARGV: child id.
var unlinkScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
return redis.call('SREM', KEYS[1], ARGV[1])
`)

// UnlinkChild removes childID from roomID's children unless the child room exists
func (s *Store) UnlinkChild(ctx context.Context, roomID, childID string) error {
	keys := []string{s.keys.ChildrenKey(roomID), s.keys.RoomKey(childID)}
	return s.do(ctx, "unlink "+childID+" from "+roomID, func() error {
		return unlinkScript.Run(ctx, s.client, keys, childID).Err()
	})
}

// LinkChild links childID under roomID. Returns ErrNotFound when roomID is gone.
func (s *Store) LinkChild(ctx context.Context, roomID, childID string) error {
	keys := []string{s.keys.RoomKey(roomID), s.keys.ChildrenKey(roomID)}
	return s.do(ctx, "link "+childID+" under "+roomID, func() error {
		n, err := linkScript.Run(ctx, s.client, keys, childID, s.cfg.RoomTTL.Milliseconds()).Int()
		if err != nil {
			return err
		}
		if n == 0 {
			return retry.Permanent(ErrNotFound)
		}
		return nil
	})
}

// RemoveChild unlinks childID from roomID
func (s *Store) RemoveChild(ctx context.Context, roomID, childID string) error {
	return s.removeFromSet(ctx, s.keys.ChildrenKey(roomID), childID)
}

// Children lists child room ids
func (s *Store) Children(ctx context.Context, roomID string) ([]string, error) {
	return s.setMembers(ctx, s.keys.ChildrenKey(roomID))
}

// Occupancy returns the member and child counts of a room
func (s *Store) Occupancy(ctx context.Context, roomID string) (members, children int64, err error) {
	err = s.do(ctx, "occupancy "+roomID, func() error {
		pipe := s.client.Pipeline()
		m := pipe.SCard(ctx, s.keys.MembersKey(roomID))
		c := pipe.SCard(ctx, s.keys.ChildrenKey(roomID))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		members, children = m.Val(), c.Val()
		return nil
	})
	return members, children, err
}

func (s *Store) removeFromSet(ctx context.Context, key, member string) error {
	return s.do(ctx, "srem "+key, func() error {
		return s.client.SRem(ctx, key, member).Err()
	})
}

func (s *Store) setMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.do(ctx, "smembers "+key, func() error {
		var err error
		out, err = s.client.SMembers(ctx, key).Result()
		return err
	})
	return out, err
}

// SetAccess records an explicit grant for userID
func (s *Store) SetAccess(ctx context.Context, roomID, userID, level string) error {
	key := s.keys.AccessKey(roomID)
	return s.do(ctx, "grant "+roomID, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userID, level)
			pipe.Expire(ctx, key, s.cfg.RoomTTL)
			return nil
		})
		return err
	})
}

// RemoveAccess deletes an explicit grant
func (s *Store) RemoveAccess(ctx context.Context, roomID, userID string) error {
	return s.do(ctx, "revoke "+roomID, func() error {
		return s.client.HDel(ctx, s.keys.AccessKey(roomID), userID).Err()
	})
}

// Access returns the explicit grant of userID, with ok=false when none exists
func (s *Store) Access(ctx context.Context, roomID, userID string) (level string, ok bool, err error) {
	err = s.do(ctx, "access "+roomID, func() error {
		var err error
		level, err = s.client.HGet(ctx, s.keys.AccessKey(roomID), userID).Result()
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return level, true, nil
}

// AppendEvent pushes an event onto the room's capped history for eventType
func (s *Store) AppendEvent(ctx context.Context, roomID, eventType string, payload []byte) error {
	key := s.keys.EventsKey(roomID, eventType)
	return s.do(ctx, "append event "+key, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, key, payload)
			pipe.LTrim(ctx, key, 0, s.cfg.EventHistory-1)
			pipe.Expire(ctx, key, s.cfg.EventTTL)
			return nil
		})
		return err
	})
}

// RecentEvents returns up to n events, newest first
func (s *Store) RecentEvents(ctx context.Context, roomID, eventType string, n int64) ([]string, error) {
	if n <= 0 {
		n = s.cfg.EventHistory
	}
	var out []string
	err := s.do(ctx, "recent events "+roomID, func() error {
		var err error
		out, err = s.client.LRange(ctx, s.keys.EventsKey(roomID, eventType), 0, n-1).Result()
		return err
	})
	return out, err
}

// IndexedRooms lists every room id in the index, including expired ones not yet swept
func (s *Store) IndexedRooms(ctx context.Context) ([]string, error) {
	return s.setMembers(ctx, s.keys.IndexKey())
}

// DeleteRoom removes all keys scoped to the room and drops it from the index
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	err := s.do(ctx, "delete room "+roomID, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.roomKeys(roomID)...)
			pipe.SRem(ctx, s.keys.IndexKey(), roomID)
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	return s.deleteEvents(ctx, roomID)
}

// DeleteRoomIfEmpty removes the room in one atomic step when it has no members
// and no children, and reports whether it did
func (s *Store) DeleteRoomIfEmpty(ctx context.Context, roomID string) (bool, error) {
	keys := append(s.roomKeys(roomID), s.keys.IndexKey())
	var deleted bool
	err := s.do(ctx, "delete empty room "+roomID, func() error {
		n, err := deleteIfEmptyScript.Run(ctx, s.client, keys, roomID).Int()
		deleted = n == 1
		return err
	})
	if err != nil || !deleted {
		return false, err
	}
	return true, s.deleteEvents(ctx, roomID)
}

// deleteEvents drops the event history of a room
func (s *Store) deleteEvents(ctx context.Context, roomID string) error {
	return s.do(ctx, "delete events "+roomID, func() error {
		var keys []string
		iter := s.client.Scan(ctx, 0, s.keys.EventsPattern(roomID), 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		return s.client.Del(ctx, keys...).Err()
	})
}

func pairs(fields map[string]string) []string {
	out := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
