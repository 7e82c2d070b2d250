package transport

import (
	"time"

	"github.com/1ureka/broadlink/internal/registry"
	"github.com/1ureka/broadlink/internal/util"
)

// process classifies one inbound message and routes it through the
// handshake or data path. Runs on the poll goroutine only.
func (t *Transport) process(msg Inbound, now time.Time) {
	// The media do not echo our own frames back, but a misbehaving relay
	// might; our own identity is never a remote peer.
	if msg.Kind != KindResponse && msg.Sender == t.localID {
		return
	}

	switch msg.Kind {
	case KindRequest:
		t.handleRequest(msg, now)
	case KindResponse:
		t.handleResponse(msg, now)
	case KindData:
		t.handleData(msg, now)
	}
}

// handleData attributes a data frame to a connection handle, refreshes its
// activity clock, and emits a Data event.
func (t *Transport) handleData(msg Inbound, now time.Time) {
	if len(msg.Payload) > t.cfg.MaxMessageBytes {
		util.LogWarning("transport: dropping oversized %d-byte frame from %s", len(msg.Payload), msg.Sender)
		return
	}

	var h registry.Handle
	switch t.role {
	case registry.RoleServer:
		known, ok := t.reg.HandleOf(msg.Sender)
		if ok {
			h = known
			t.reg.Touch(h, now)
		} else {
			// Data before (or without) a completed handshake. Attribute it
			// to a deterministic fallback handle instead of dropping it.
			h = fallbackHandle(msg.Sender)
			util.LogDebug("transport: data from unregistered %s, fallback handle %d", msg.Sender, h)
		}

	case registry.RoleClient:
		// A client expects exactly one remote peer: the host at handle 0.
		if t.hostPeer == "" {
			// Host identity was never transmitted in the handshake; adopt
			// it from the first remote data frame.
			t.hostPeer = msg.Sender
			util.LogDebug("transport: adopted %s as host identity", msg.Sender)
		}
		if msg.Sender != t.hostPeer {
			// Another client's frame on the shared channel. Anomalous for
			// us, but not fatal.
			util.LogDebug("transport: ignoring frame from unexpected sender %s", msg.Sender)
			return
		}
		if t.reg.ByHandle(ServerHandle) == nil {
			// First frame from the host, or the record was swept while the
			// host was idle. Either way it is live again; rebuild it so the
			// inactivity clock keeps tracking the link.
			sh := t.reg.CreateServer(msg.Sender)
			t.reg.SetState(sh, registry.StateConnected)
		}
		h = ServerHandle
		t.reg.Touch(h, now)
	}

	t.emit(Event{Type: EventData, Handle: h, Payload: msg.Payload, Timestamp: now})
}
