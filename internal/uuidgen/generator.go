// Package uuidgen generates the identifiers minted by the session core.
package uuidgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind is the kind of object an id is minted for
type Kind string

const (
	KindConnection Kind = "connection"
	KindEvent      Kind = "event"
)

// New returns an id for kind. Events use UUIDv7 so stored security events
// sort by creation time; everything else uses UUIDv4.
func New(kind Kind) (string, error) {
	var (
		id  uuid.UUID
		err error
	)
	switch kind {
	case KindEvent:
		id, err = uuid.NewV7()
	default:
		id, err = uuid.NewRandom()
	}
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", kind, err)
	}
	return id.String(), nil
}

// MustNew is New that panics when the random source fails
func MustNew(kind Kind) string {
	id, err := New(kind)
	if err != nil {
		panic(err)
	}
	return id
}
