package transport

import (
	"time"

	"github.com/1ureka/broadlink/internal/registry"
)

// EventType is the transport event vocabulary exposed to the consuming
// framework's poll loop.
type EventType uint8

const (
	EventNothing EventType = iota
	EventConnect
	EventDisconnect
	EventData
)

func (e EventType) String() string {
	switch e {
	case EventNothing:
		return "nothing"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventData:
		return "data"
	}
	return "unknown"
}

// Event is one transport-level occurrence returned by Poll. Payload is only
// set for EventData.
type Event struct {
	Type      EventType
	Handle    registry.Handle
	Payload   []byte
	Timestamp time.Time
}

// nothing is the idle poll result.
func nothing() Event {
	return Event{Type: EventNothing, Timestamp: time.Now()}
}
