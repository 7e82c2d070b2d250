// Package transport turns a broadcast room channel into a client/server
// shaped network transport: connection handles, admission, timeouts, and a
// synchronous poll loop over an asynchronous medium.
//
// Threading contract: Initialize, StartServer, StartClient, Send, Poll,
// Disconnect*, and Shutdown must all be called from one goroutine (the
// framework's tick). The medium delivery callback may run anywhere; it only
// enqueues onto the inbox, so the registry and all protocol state are
// touched exclusively on the tick goroutine.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/broadlink/internal/config"
	"github.com/1ureka/broadlink/internal/medium"
	"github.com/1ureka/broadlink/internal/protocol"
	"github.com/1ureka/broadlink/internal/registry"
	"github.com/1ureka/broadlink/internal/util"
)

// ServerHandle is the reserved connection handle of the host.
const ServerHandle = registry.ServerHandle

// sweepInterval paces the registry timeout sweep inside Poll.
var sweepInterval = time.Second

// Phase is the facade's externally visible lifecycle state.
type Phase uint8

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
)

// Transport is the broadcast-channel transport adapter.
type Transport struct {
	cfg config.Config
	med medium.Medium

	localID string
	role    registry.Role
	phase   Phase

	reg *registry.Registry
	in  *inbox

	// pending holds events synthesized while processing inbound messages;
	// Poll returns them one at a time.
	pending []Event

	// Client-side state.
	hostPeer           string // host identity once known
	requestSent        bool
	connectSynthesized bool
	joinedAt           time.Time

	lastSweep time.Time
}

// New creates a transport over the given medium. A missing PeerID in cfg is
// minted here so every participant has a stable identity for the session.
func New(cfg config.Config, med medium.Medium) *Transport {
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	return &Transport{
		cfg:     cfg,
		med:     med,
		localID: cfg.PeerID,
		phase:   PhaseDisconnected,
	}
}

// LocalID returns the local peer identity.
func (t *Transport) LocalID() string {
	return t.localID
}

// Phase returns the current facade state.
func (t *Transport) Phase() Phase {
	return t.phase
}

// Initialize prepares a fresh registry and ingress buffer. It must be
// called before StartServer/StartClient, and again after Shutdown before
// reuse — no state survives from a previous session.
func (t *Transport) Initialize() {
	t.reg = registry.New()
	t.in = newInbox()
	t.pending = nil
	t.hostPeer = t.cfg.HostPeerID
	t.requestSent = false
	t.connectSynthesized = false
	t.phase = PhaseDisconnected
}

// StartServer joins the room as the host and begins accepting connection
// requests. Returns false when the room could not be joined.
func (t *Transport) StartServer() bool {
	if t.reg == nil {
		util.LogError("transport: StartServer before Initialize")
		return false
	}
	if t.phase != PhaseDisconnected {
		util.LogWarning("transport: StartServer in phase %d ignored", t.phase)
		return false
	}

	t.role = registry.RoleServer
	t.phase = PhaseConnecting

	if err := t.join(); err != nil {
		util.LogError("transport: host join failed: %v", err)
		t.phase = PhaseDisconnected
		return false
	}

	// For a broadcast medium "listen" has no socket meaning; reaching
	// Connected is what gates Send and Poll.
	t.phase = PhaseConnected
	util.LogSuccess("transport: hosting %s/%s as %s", t.cfg.AppID, t.cfg.RoomID, t.localID)
	return true
}

// StartClient joins the room as a client and sends the connection request.
// When the configuration marks this process as host, the call redirects to
// StartServer — UI glue is known to call the generic entry point for both.
func (t *Transport) StartClient() bool {
	if t.cfg.IsHost {
		util.LogWarning("transport: StartClient on a host configuration, redirecting to StartServer")
		return t.StartServer()
	}
	if t.reg == nil {
		util.LogError("transport: StartClient before Initialize")
		return false
	}
	if t.phase != PhaseDisconnected {
		util.LogWarning("transport: StartClient in phase %d ignored", t.phase)
		return false
	}

	if len(t.cfg.ConnectPayload) > t.cfg.MaxPayloadBytes {
		util.LogError("transport: connect payload %d bytes exceeds limit %d",
			len(t.cfg.ConnectPayload), t.cfg.MaxPayloadBytes)
		return false
	}

	t.role = registry.RoleClient
	t.phase = PhaseConnecting

	if err := t.join(); err != nil {
		util.LogError("transport: client join failed: %v", err)
		t.phase = PhaseDisconnected
		return false
	}

	t.joinedAt = time.Now()

	if err := t.sendRequest(); err != nil {
		util.LogError("transport: connection request failed: %v", err)
		t.teardown()
		return false
	}
	t.requestSent = true

	util.LogInfo("transport: joined %s/%s as %s, awaiting approval", t.cfg.AppID, t.cfg.RoomID, t.localID)
	return true
}

// join hooks the delivery callback and enters the room, retrying up to the
// configured attempt count with a per-attempt timeout. On final failure the
// callback is unhooked first, so a late join completion cannot fire into a
// torn-down transport.
func (t *Transport) join() error {
	t.med.OnInbound(t.onFrame)

	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxConnectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
		err := t.med.Join(ctx, t.cfg.AppID, t.cfg.RoomID)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, medium.ErrJoinTimeout) {
			util.LogWarning("transport: join attempt %d/%d timed out", attempt, t.cfg.MaxConnectAttempts)
			continue
		}
		break
	}

	t.med.OnInbound(nil)
	return lastErr
}

// onFrame is the medium delivery callback. It decodes the envelope, tags
// the message, and enqueues it — nothing else runs on this path.
func (t *Transport) onFrame(frame []byte) {
	env, payload, err := protocol.Decode(frame)
	if err != nil {
		util.LogDebug("transport: dropping undecodable frame: %v", err)
		return
	}

	var kind Kind
	switch env.Type {
	case protocol.TypeData:
		kind = KindData
	case protocol.TypeRequest:
		kind = KindRequest
	case protocol.TypeResponse:
		kind = KindResponse
	}

	t.in.push(Inbound{Sender: env.SenderID, Kind: kind, Payload: payload})
}

// Poll advances the transport by one tick and returns at most one event.
// It never blocks: when nothing happened since the last call it returns an
// EventNothing immediately.
func (t *Transport) Poll() Event {
	if t.phase == PhaseDisconnected || t.reg == nil {
		return nothing()
	}

	now := time.Now()
	t.sweep(now)
	t.synthesizeConnect(now)

	if len(t.pending) == 0 {
		for _, msg := range t.in.drain(drainBatchSize) {
			t.process(msg, now)
		}
	}

	if len(t.pending) > 0 {
		ev := t.pending[0]
		t.pending = t.pending[1:]
		return ev
	}
	return nothing()
}

// sweep evicts idle connections at most once per sweepInterval. Losing the
// medium does not drop peers early; each record runs out its own window.
func (t *Transport) sweep(now time.Time) {
	if now.Sub(t.lastSweep) < sweepInterval {
		return
	}
	t.lastSweep = now

	for _, h := range t.reg.Sweep(now, t.cfg.ConnectionTimeout) {
		util.LogInfo("transport: handle %d timed out", h)
		t.emit(Event{Type: EventDisconnect, Handle: h, Timestamp: now})
	}
}

// synthesizeConnect emits the client-side Connect event once the medium
// reports connected and the settle delay has elapsed. The delay keeps the
// framework's own connection handshake from racing the room join.
func (t *Transport) synthesizeConnect(now time.Time) {
	if t.role != registry.RoleClient || t.connectSynthesized || !t.requestSent {
		return
	}
	if !t.med.Connected() || now.Sub(t.joinedAt) < t.cfg.SettleDelay {
		return
	}

	t.connectSynthesized = true
	t.emit(Event{Type: EventConnect, Handle: ServerHandle, Timestamp: now})
}

// emit appends a synthesized event for a later Poll to return.
func (t *Transport) emit(ev Event) {
	t.pending = append(t.pending, ev)
}

// RTT returns a placeholder round-trip estimate. The broadcast medium has
// no ping/pong exchange, so no real measurement exists; callers must not
// treat this as measured.
func (t *Transport) RTT(h registry.Handle) uint64 {
	return 0
}

// DisconnectRemote drops one remote client (host only). The medium cannot
// evict a broadcast participant, so this is local bookkeeping: the peer is
// simply no longer recognized.
func (t *Transport) DisconnectRemote(h registry.Handle) {
	if t.role != registry.RoleServer {
		util.LogWarning("transport: DisconnectRemote is host-only")
		return
	}
	if !t.reg.Remove(h) {
		util.LogWarning("transport: DisconnectRemote(%d) on unknown handle", h)
		return
	}
	util.LogInfo("transport: disconnected remote handle %d", h)
}

// DisconnectLocal drops this client's link to the host and leaves the room.
func (t *Transport) DisconnectLocal() {
	if t.role == registry.RoleServer {
		util.LogWarning("transport: DisconnectLocal is client-only, use Shutdown")
		return
	}
	t.teardown()
}

// Shutdown tears the transport down from any state: leaves the room,
// unhooks callbacks, destroys every connection record, and releases the
// ingress buffer. Safe to call repeatedly and before a successful connect.
func (t *Transport) Shutdown() {
	t.phase = PhaseDisconnecting
	t.teardown()
}

// teardown is the shared release path. Every resource check is nil-safe so
// the sequence works regardless of how far startup got.
func (t *Transport) teardown() {
	t.med.OnInbound(nil)
	t.med.Leave()

	if t.reg != nil {
		t.reg.Clear()
	}
	if t.in != nil {
		t.in.reset()
	}
	t.pending = nil
	t.requestSent = false
	t.connectSynthesized = false
	t.phase = PhaseDisconnected
}
