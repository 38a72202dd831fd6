package coordinator

import "time"

// Envelope is the JSON message pushed to live connections.
//
// Type is "state" for the full snapshot sent on registration and "update"
// for the partial fields of a single mutation.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EnvelopeState  = "state"
	EnvelopeUpdate = "update"
)

// Conn is one live push channel to a subscribed client. Inbound traffic is
// ignored by the coordinator; it only sends. A failed Send is non-fatal:
// the connection is pruned and broadcast continues to the rest.
type Conn interface {
	Send(env Envelope) error
	// Close terminates the connection with a normal closure and a short
	// human-readable reason.
	Close(reason string) error
}
