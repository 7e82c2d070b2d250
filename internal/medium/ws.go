package medium

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/broadlink/internal/util"
)

// outboxSize bounds the per-member outbound frame buffer.
const outboxSize = 256

// WSMedium is a broadcast medium backed by a WebSocket room relay (roomd).
// The relay forwards every text frame to all other members of the room.
type WSMedium struct {
	serverURL string
	peerID    string

	handlerMu sync.RWMutex
	handler   Inbound

	conn      *websocket.Conn
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// NewWSMedium creates a medium that will join rooms on the relay at
// serverURL (e.g. "ws://relay.example:8888"), identifying itself as peerID.
func NewWSMedium(serverURL, peerID string) *WSMedium {
	return &WSMedium{
		serverURL: serverURL,
		peerID:    peerID,
		outbox:    make(chan []byte, outboxSize),
		done:      make(chan struct{}),
	}
}

// Join dials the relay and enters the room. The dial is bounded by ctx.
func (m *WSMedium) Join(ctx context.Context, appID, roomID string) error {
	if m.connected.Load() {
		return errors.New("already joined")
	}

	q := url.Values{}
	q.Set("app", appID)
	q.Set("room", roomID)
	q.Set("peer", m.peerID)
	roomURL := fmt.Sprintf("%s/rooms?%s", m.serverURL, q.Encode())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, roomURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrJoinTimeout, roomURL)
		}
		return fmt.Errorf("failed to join room: %w", err)
	}

	m.conn = conn
	m.connected.Store(true)

	go m.writeLoop()
	go m.readLoop()

	util.LogDebug("ws medium: joined %s/%s as %s", appID, roomID, m.peerID)
	return nil
}

// Leave closes the relay connection. Best-effort; safe to call repeatedly
// and before a successful Join.
func (m *WSMedium) Leave() {
	m.closeOnce.Do(func() {
		m.connected.Store(false)
		close(m.done)
		if m.conn != nil {
			err := m.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"))
			if err != nil {
				util.LogDebug("ws medium: close message failed: %v", err)
			}
			m.conn.Close()
		}
	})
}

// Send enqueues one frame for broadcast. All frames leave through a single
// writer goroutine, so consecutive sends from this member stay ordered.
func (m *WSMedium) Send(frame []byte) error {
	if !m.connected.Load() {
		return ErrNotJoined
	}

	select {
	case m.outbox <- frame:
		return nil
	case <-m.done:
		return ErrNotJoined
	default:
		util.LogWarning("ws medium: outbox full, dropping %d-byte frame", len(frame))
		return nil
	}
}

// Connected reports the liveness snapshot.
func (m *WSMedium) Connected() bool {
	return m.connected.Load()
}

// OnInbound registers (or unhooks, with nil) the delivery callback.
func (m *WSMedium) OnInbound(fn Inbound) {
	m.handlerMu.Lock()
	m.handler = fn
	m.handlerMu.Unlock()
}

// writeLoop is the single outbound path.
func (m *WSMedium) writeLoop() {
	for {
		select {
		case frame := <-m.outbox:
			if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				util.LogError("ws medium: write failed: %v", err)
				m.connected.Store(false)
				return
			}
			util.Stats.AddSent(len(frame))

		case <-m.done:
			return
		}
	}
}

// readLoop delivers inbound frames to the registered callback. It exits on
// the first read error, which marks the medium disconnected.
func (m *WSMedium) readLoop() {
	for {
		_, frame, err := m.conn.ReadMessage()
		if err != nil {
			select {
			case <-m.done:
				// Local teardown; not worth logging.
			default:
				util.LogWarning("ws medium: connection lost: %v", err)
			}
			m.connected.Store(false)
			return
		}

		util.Stats.AddRecv(len(frame))

		m.handlerMu.RLock()
		fn := m.handler
		m.handlerMu.RUnlock()
		if fn != nil {
			fn(frame)
		}
	}
}
