package core

import "encoding/json"

// Frame is a raw encoded signaling payload.
type Frame []byte

type ConnID string

// SignalConnection abstracts one open signaling connection of a user.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() ConnID
	TrySend(Frame) error
	Close()
}

// Event is the envelope of every out-of-band message pushed to clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func EncodeEvent(event string, payload any) (Frame, error) {
	return json.Marshal(Event{Type: event, Payload: payload})
}

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SendTo  int
	Dropped []SignalConnection
}
