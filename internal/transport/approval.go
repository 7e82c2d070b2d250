package transport

import (
	"time"

	"github.com/1ureka/broadlink/internal/protocol"
	"github.com/1ureka/broadlink/internal/registry"
	"github.com/1ureka/broadlink/internal/util"
)

// sendRequest broadcasts this client's connection request. The host answers
// with a connection response carrying our identity as the destination filter.
func (t *Transport) sendRequest() error {
	frame, err := protocol.Encode(protocol.TypeRequest, t.localID, t.cfg.ConnectPayload)
	if err != nil {
		return err
	}
	return t.med.Send(frame)
}

// handleRequest is the host side of the admission handshake. Validation
// failures answer with a rejection and create no record; a duplicate
// identity is re-approved with its existing handle, never a second one.
func (t *Transport) handleRequest(msg Inbound, now time.Time) {
	if t.role != registry.RoleServer {
		// Clients hear every request on the broadcast channel; only the
		// host answers them.
		return
	}

	if len(msg.Payload) > t.cfg.MaxPayloadBytes {
		util.LogWarning("transport: rejecting %s, payload %d bytes exceeds limit %d",
			msg.Sender, len(msg.Payload), t.cfg.MaxPayloadBytes)
		t.sendResponse(msg.Sender, protocol.Response{Approved: false})
		return
	}

	if h, ok := t.reg.HandleOf(msg.Sender); ok {
		// Second request before the first answer arrived, or a retry.
		util.LogDebug("transport: re-approving %s with handle %d", msg.Sender, h)
		t.reg.Touch(h, now)
		t.sendResponse(msg.Sender, protocol.Response{Approved: true, Handle: h})
		return
	}

	if t.reg.Len() >= t.cfg.MaxConnections {
		util.LogWarning("transport: rejecting %s, room full (%d)", msg.Sender, t.cfg.MaxConnections)
		t.sendResponse(msg.Sender, protocol.Response{Approved: false})
		return
	}

	h, created := t.reg.Create(msg.Sender, registry.RoleClient, msg.Payload)
	if created {
		t.reg.SetState(h, registry.StateConnected)
		t.emit(Event{Type: EventConnect, Handle: h, Timestamp: now})
		util.LogInfo("transport: admitted %s as handle %d", msg.Sender, h)
	}
	t.sendResponse(msg.Sender, protocol.Response{Approved: true, Handle: h})
}

// sendResponse broadcasts an admission verdict addressed (by filter) to one
// requester. Send failures are logged and absorbed; one unreachable medium
// must not stall the poll loop.
func (t *Transport) sendResponse(requester string, resp protocol.Response) {
	frame, err := protocol.Encode(protocol.TypeResponse, requester, protocol.EncodeResponse(resp))
	if err != nil {
		util.LogError("transport: encoding response for %s: %v", requester, err)
		return
	}
	if err := t.med.Send(frame); err != nil {
		util.LogError("transport: sending response for %s: %v", requester, err)
	}
}

// handleResponse is the client side of the handshake. Responses are
// broadcast to everyone; the envelope's sender field carries the intended
// requester, so anything not addressed to us is dropped here.
func (t *Transport) handleResponse(msg Inbound, now time.Time) {
	if t.role != registry.RoleClient {
		return
	}
	if msg.Sender != t.localID {
		// Addressed to another peer.
		return
	}
	if !t.requestSent {
		// No outstanding request; a stale response is not an error.
		util.LogDebug("transport: ignoring response with no outstanding request")
		return
	}
	if t.phase == PhaseConnected {
		// The handshake already completed; a late duplicate or a spoofed
		// verdict must not tear down a live link.
		util.LogDebug("transport: ignoring response after handshake completion")
		return
	}

	resp, err := protocol.DecodeResponse(msg.Payload)
	if err != nil {
		util.LogWarning("transport: malformed connection response: %v", err)
		return
	}

	if !resp.Approved {
		util.LogError("transport: connection rejected by host")
		t.requestSent = false
		t.phase = PhaseDisconnecting
		t.emit(Event{Type: EventDisconnect, Handle: ServerHandle, Timestamp: now})
		return
	}

	// The host is conventionally handle 0 on the client side. The record
	// keys on the host identity when configured; otherwise it is adopted
	// from traffic later (see handleData).
	if t.hostPeer != "" {
		h := t.reg.CreateServer(t.hostPeer)
		t.reg.SetState(h, registry.StateConnected)
	}
	t.phase = PhaseConnected
	util.LogSuccess("transport: admitted by host, handle %d assigned", resp.Handle)
}

// fallbackHandle derives a deterministic handle for data from a sender that
// never completed the handshake, so the frame is not silently dropped. The
// base offset keeps the result clear of the reserved range and of allocated
// handles. This is a degraded path: collisions between two unregistered
// identities are possible and only logged.
func fallbackHandle(identity string) registry.Handle {
	return registry.Handle(1)<<32 + registry.Handle(util.IdentityHash(identity))
}
