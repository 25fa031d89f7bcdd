// Package conntest provides an in-memory transport for tests.
package conntest

import (
	"encoding/json"
	"sync"

	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/protocol"
)

// Transport records every frame sent to it
type Transport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	// FailSends makes Send return this error while set
	FailSends error
}

// NewTransport returns an open recorder
func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return connections.ErrConnectionClosed
	}
	if t.FailSends != nil {
		return t.FailSends
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// SetFailure makes subsequent sends fail with err; nil restores delivery
func (t *Transport) SetFailure(err error) {
	t.mu.Lock()
	t.FailSends = err
	t.mu.Unlock()
}

// Messages decodes every recorded frame
func (t *Transport) Messages() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(t.frames))
	for _, f := range t.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// OfType returns the recorded messages of one type
func (t *Transport) OfType(msgType protocol.MessageType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range t.Messages() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// Reset forgets recorded frames
func (t *Transport) Reset() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
}
