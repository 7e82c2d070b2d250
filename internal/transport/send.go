package transport

import (
	"github.com/1ureka/broadlink/internal/protocol"
	"github.com/1ureka/broadlink/internal/registry"
	"github.com/1ureka/broadlink/internal/util"
)

// DeliveryMode mirrors the consuming framework's reliability tiers. The
// broadcast medium provides none of them natively: frames are fire-and-
// forget, and per-sender ordering is only as good as the medium's. Callers
// that need reliable delivery must layer sequence numbers and acks on top;
// this transport does not retransmit.
type DeliveryMode uint8

const (
	Unreliable DeliveryMode = iota
	UnreliableSequenced
	ReliableSequenced
)

// Send broadcasts payload toward the peer at handle. The medium cannot
// unicast, so the handle selects nothing on the wire; it gates the call
// (the link must be live) and shapes logging. Sends before the transport
// reaches Connected are rejected, not queued.
func (t *Transport) Send(h registry.Handle, payload []byte, mode DeliveryMode) {
	if t.phase != PhaseConnected {
		util.LogWarning("transport: send to handle %d rejected, transport not connected", h)
		return
	}
	if len(payload) > t.cfg.MaxMessageBytes {
		util.LogWarning("transport: send to handle %d rejected, %d bytes exceeds limit %d",
			h, len(payload), t.cfg.MaxMessageBytes)
		return
	}
	if t.role == registry.RoleServer && h != ServerHandle {
		if rec := t.reg.ByHandle(h); rec == nil || rec.State != registry.StateConnected {
			util.LogWarning("transport: send to handle %d rejected, connection not established", h)
			return
		}
	}

	frame, err := protocol.Encode(protocol.TypeData, t.localID, payload)
	if err != nil {
		util.LogError("transport: encoding data frame: %v", err)
		return
	}
	if err := t.med.Send(frame); err != nil {
		util.LogWarning("transport: medium send failed: %v", err)
	}
}
