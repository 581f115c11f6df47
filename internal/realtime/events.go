package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxkompensator/postfixer/internal/model"
)

// EventKind identifies what happened on the channel.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventNewData
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventNewData:
		return "new_data"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered on the channel's inbound queue.
type Event struct {
	Kind EventKind

	// Reason is set on EventDisconnected.
	Reason string

	// Record, Version and Action are set on EventNewData.
	Record  model.Record
	Version string
	Action  string
}

// Frame is one named event read off the wire.
type Frame struct {
	Name    string
	Payload json.RawMessage
}

// Conn is an established realtime connection.
type Conn interface {
	Emit(event string, payload any) error
	ReadFrame() (Frame, error)
	Close() error
}

// Transport opens realtime connections.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

type roomPayload struct {
	Room string `json:"room"`
}

// pushEnvelope is the body of a new_data event.
type pushEnvelope struct {
	Data    model.Record `json:"data"`
	Version any          `json:"version"`
	Action  string       `json:"action"`
}

func decodePush(raw json.RawMessage) (Event, error) {
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode new_data: %w", err)
	}
	if env.Data.ID == "" {
		return Event{}, fmt.Errorf("decode new_data: record has no _id")
	}
	ev := Event{Kind: EventNewData, Record: env.Data, Action: env.Action}
	if env.Version != nil {
		ev.Version = fmt.Sprintf("%v", env.Version)
	}
	return ev, nil
}
