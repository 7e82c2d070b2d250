package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/1ureka/broadlink/internal/config"
	"github.com/1ureka/broadlink/internal/medium"
	"github.com/1ureka/broadlink/internal/protocol"
	"github.com/1ureka/broadlink/internal/registry"
)

// Compile-time interface check.
var _ medium.Medium = (*mockMedium)(nil)

// mockMedium implements medium.Medium for in-process testing. Frames sent
// through it are recorded; inbound frames are injected with deliver, which
// invokes the registered callback exactly like a real medium would.
type mockMedium struct {
	mu      sync.Mutex
	handler medium.Inbound
	joined  bool
	sent    [][]byte

	// blockJoin makes Join hang until its context expires, simulating a
	// medium that never signals connected.
	blockJoin bool
}

func (m *mockMedium) Join(ctx context.Context, appID, roomID string) error {
	if m.blockJoin {
		<-ctx.Done()
		return fmt.Errorf("%w: %s/%s", medium.ErrJoinTimeout, appID, roomID)
	}
	m.mu.Lock()
	m.joined = true
	m.mu.Unlock()
	return nil
}

func (m *mockMedium) Leave() {
	m.mu.Lock()
	m.joined = false
	m.mu.Unlock()
}

func (m *mockMedium) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.joined {
		return medium.ErrNotJoined
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	m.sent = append(m.sent, cp)
	return nil
}

func (m *mockMedium) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

func (m *mockMedium) OnInbound(fn medium.Inbound) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

// deliver injects one raw frame as if it arrived off the broadcast channel.
func (m *mockMedium) deliver(frame []byte) {
	m.mu.Lock()
	fn := m.handler
	m.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// sentFrames returns a snapshot of everything sent so far.
func (m *mockMedium) sentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// requestFrame builds a connection_request frame from the given identity.
func requestFrame(t *testing.T, sender string, payload []byte) []byte {
	t.Helper()
	frame, err := protocol.Encode(protocol.TypeRequest, sender, payload)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return frame
}

// dataFrame builds a broadcast data frame from the given identity.
func dataFrame(t *testing.T, sender string, payload []byte) []byte {
	t.Helper()
	frame, err := protocol.Encode(protocol.TypeData, sender, payload)
	if err != nil {
		t.Fatalf("encode data: %v", err)
	}
	return frame
}

// responseFrame builds a connection_response addressed to requester.
func responseFrame(t *testing.T, requester string, approved bool, handle registry.Handle) []byte {
	t.Helper()
	frame, err := protocol.Encode(protocol.TypeResponse, requester,
		protocol.EncodeResponse(protocol.Response{Approved: approved, Handle: handle}))
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	return frame
}

// decodeResponseFrame unwraps one frame recorded by the mock medium.
func decodeResponseFrame(t *testing.T, frame []byte) (string, protocol.Response) {
	t.Helper()
	env, payload, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if env.Type != protocol.TypeResponse {
		t.Fatalf("expected response frame, got %q", env.Type)
	}
	resp, err := protocol.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("decode response payload: %v", err)
	}
	return env.SenderID, resp
}

// drainEvents polls until the transport reports Nothing.
func drainEvents(tr *Transport) []Event {
	var evs []Event
	for {
		ev := tr.Poll()
		if ev.Type == EventNothing {
			return evs
		}
		evs = append(evs, ev)
	}
}

// newHost creates and starts a host transport over a fresh mock medium.
func newHost(t *testing.T, maxConnections int) (*Transport, *mockMedium) {
	t.Helper()
	cfg := config.Default()
	cfg.AppID, cfg.RoomID = "app1", "room1"
	cfg.IsHost = true
	cfg.PeerID = "host"
	cfg.MaxConnections = maxConnections

	med := &mockMedium{}
	tr := New(cfg, med)
	tr.Initialize()
	if !tr.StartServer() {
		t.Fatal("StartServer failed")
	}
	return tr, med
}

// newClient creates and starts a client transport over a fresh mock medium.
func newClient(t *testing.T, mutate func(*config.Config)) (*Transport, *mockMedium) {
	t.Helper()
	cfg := config.Default()
	cfg.AppID, cfg.RoomID = "app1", "room1"
	cfg.PeerID = "c1"
	cfg.ConnectPayload = []byte("hello")
	if mutate != nil {
		mutate(&cfg)
	}

	med := &mockMedium{}
	tr := New(cfg, med)
	tr.Initialize()
	if !tr.StartClient() {
		t.Fatal("StartClient failed")
	}
	return tr, med
}
