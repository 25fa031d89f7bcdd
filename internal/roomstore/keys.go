package roomstore

import (
	"fmt"
	"strings"
)

// KeyBuilder builds Redis keys for rooms under a namespace
type KeyBuilder struct {
	namespace string
}

// NewKeyBuilder creates a key builder; an empty namespace defaults to "sessioncore"
func NewKeyBuilder(namespace string) *KeyBuilder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &KeyBuilder{namespace: namespace}
}

// Namespace returns the key prefix
func (b *KeyBuilder) Namespace() string {
	return b.namespace
}

// RoomKey builds the metadata hash key for a room id of the form "{type}:{id}"
func (b *KeyBuilder) RoomKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s", b.namespace, roomID)
}

// MembersKey builds the member connection set key
func (b *KeyBuilder) MembersKey(roomID string) string {
	return b.RoomKey(roomID) + ":members"
}

// ChildrenKey builds the child room set key
func (b *KeyBuilder) ChildrenKey(roomID string) string {
	return b.RoomKey(roomID) + ":children"
}

// AccessKey builds the access-control hash key (userId -> level)
func (b *KeyBuilder) AccessKey(roomID string) string {
	return fmt.Sprintf("%s:access:%s", b.namespace, roomID)
}

// EventsKey builds the persisted event history list key
func (b *KeyBuilder) EventsKey(roomID, eventType string) string {
	return fmt.Sprintf("%s:events:%s:%s", b.namespace, roomID, eventType)
}

// EventsPattern matches every event history key of a room
func (b *KeyBuilder) EventsPattern(roomID string) string {
	return fmt.Sprintf("%s:events:%s:*", b.namespace, escapeGlob(roomID))
}

// IndexKey is the set of all live room ids, walked by the sweeper
func (b *KeyBuilder) IndexKey() string {
	return fmt.Sprintf("%s:rooms", b.namespace)
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
