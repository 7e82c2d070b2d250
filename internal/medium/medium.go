// Package medium abstracts the broadcast channel the transport runs on.
// A medium is a single undifferentiated channel: every member of a room
// receives every frame, there is no unicast and no delivery acknowledgment.
// Ordering is only preserved between consecutive sends from the same member,
// because each implementation funnels its writes through one outbound path.
package medium

import (
	"context"
	"errors"
)

// Inbound is the delivery callback invoked with each raw frame received
// from the channel. It runs on a medium-owned goroutine; implementations of
// the callback must do nothing beyond decoding the envelope and enqueueing.
type Inbound func(frame []byte)

// Medium is the facade over one broadcast channel membership.
type Medium interface {
	// Join enters the (appID, roomID) broadcast scope. It blocks until
	// membership is established or ctx is done; callers bound it with a
	// timeout context. A ctx expiry surfaces as ErrJoinTimeout.
	Join(ctx context.Context, appID, roomID string) error

	// Leave exits the room. Best-effort: failures are logged, never
	// returned, so a stuck remote channel cannot block local teardown.
	Leave()

	// Send broadcasts one frame to every current member. Fire-and-forget;
	// an error only reports that the frame never left this process.
	Send(frame []byte) error

	// Connected reports a best-effort liveness snapshot. It may be stale
	// by up to one tick.
	Connected() bool

	// OnInbound registers the delivery callback. Passing nil unhooks it;
	// frames arriving afterwards are dropped.
	OnInbound(fn Inbound)
}

var (
	// ErrJoinTimeout reports that a join attempt did not complete within
	// its configured window.
	ErrJoinTimeout = errors.New("join timed out")

	// ErrNotJoined reports a send attempted without room membership.
	ErrNotJoined = errors.New("not joined to a room")
)
