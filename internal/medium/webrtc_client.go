package medium

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/broadlink/internal/util"
)

// WebRTCClient is a spoke of the WebRTC star medium. It signals through the
// hub's WebSocket endpoint and then talks over a single DataChannel; the hub
// relays its frames to every other member.
type WebRTCClient struct {
	serverURL string
	peerID    string

	pc     *webrtc.PeerConnection
	writer *dcWriter

	handlerMu sync.RWMutex
	handler   Inbound

	ctx       context.Context
	cancel    context.CancelFunc
	connected atomic.Bool
	closeOnce sync.Once
}

// NewWebRTCClient creates a spoke that will signal through the hub at
// serverURL (e.g. "ws://host.example:8787"), identifying itself as peerID.
func NewWebRTCClient(serverURL, peerID string) *WebRTCClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebRTCClient{
		serverURL: serverURL,
		peerID:    peerID,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Join performs the signaling exchange with the hub and blocks until the
// DataChannel opens or ctx is done.
func (c *WebRTCClient) Join(ctx context.Context, appID, roomID string) error {
	if c.connected.Load() {
		return fmt.Errorf("already joined")
	}

	q := url.Values{}
	q.Set("app", appID)
	q.Set("room", roomID)
	q.Set("peer", c.peerID)
	sigURL := fmt.Sprintf("%s/signal?%s", c.serverURL, q.Encode())

	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, sigURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrJoinTimeout, sigURL)
		}
		return fmt.Errorf("failed to reach signaling endpoint: %w", err)
	}
	defer wsConn.Close()

	pc, err := newPeerConnection()
	if err != nil {
		return fmt.Errorf("create PeerConnection: %w", err)
	}

	dc, err := newBroadcastChannel(pc)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create DataChannel: %w", err)
	}

	openSignal := openGate(dc)
	c.pc = pc
	c.writer = newDCWriter(c.ctx, dc, openSignal)

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		c.handlerMu.RLock()
		fn := c.handler
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	dc.OnClose(func() {
		util.LogInfo("webrtc spoke: channel closed")
		c.connected.Store(false)
	})

	if err := c.exchange(ctx, wsConn, openSignal); err != nil {
		pc.Close()
		if ctx.Err() != nil {
			return fmt.Errorf("%w: signaling incomplete", ErrJoinTimeout)
		}
		return err
	}

	// Wait for the DataChannel to open.
	select {
	case <-openSignal:
		c.connected.Store(true)
		util.LogDebug("webrtc spoke: joined %s/%s as %s", appID, roomID, c.peerID)
		return nil
	case <-ctx.Done():
		pc.Close()
		return fmt.Errorf("%w: channel never opened", ErrJoinTimeout)
	}
}

// exchange runs the client side of the SDP/ICE handshake: receive the
// offer, answer it, and trade candidates until the channel opens.
func (c *WebRTCClient) exchange(ctx context.Context, wsConn *websocket.Conn, openSignal <-chan struct{}) error {
	var wsMu sync.Mutex
	wsSend := func(msg signalMessage) {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := wsConn.WriteJSON(msg); err != nil {
			select {
			case <-openSignal:
			default:
				util.LogDebug("webrtc spoke: signaling send failed: %v", err)
			}
		}
	}

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		data, _ := json.Marshal(cand.ToJSON())
		wsSend(signalMessage{Type: sigCandidate, Candidate: string(data)})
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			var msg signalMessage
			if err := wsConn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			switch msg.Type {
			case sigOffer:
				if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeOffer,
					SDP:  msg.SDP,
				}); err != nil {
					util.LogWarning("webrtc spoke: SetRemoteDescription failed: %v", err)
					continue
				}
				answer, err := c.pc.CreateAnswer(nil)
				if err != nil {
					util.LogWarning("webrtc spoke: CreateAnswer failed: %v", err)
					continue
				}
				if err := c.pc.SetLocalDescription(answer); err != nil {
					util.LogWarning("webrtc spoke: SetLocalDescription failed: %v", err)
					continue
				}
				wsSend(signalMessage{Type: sigAnswer, SDP: answer.SDP})

			case sigCandidate:
				var init webrtc.ICECandidateInit
				if err := json.Unmarshal([]byte(msg.Candidate), &init); err == nil {
					if err := c.pc.AddICECandidate(init); err != nil {
						util.LogWarning("webrtc spoke: AddICECandidate failed: %v", err)
					}
				}
			}
		}
	}()

	// Signaling only needs to survive until the channel opens.
	select {
	case <-openSignal:
		return nil
	case err := <-errCh:
		select {
		case <-openSignal:
			return nil
		default:
			return fmt.Errorf("signaling read: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// Leave closes the spoke. Best-effort and idempotent.
func (c *WebRTCClient) Leave() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.cancel()
		if c.pc != nil {
			c.pc.Close()
		}
	})
}

// Send enqueues one frame toward the hub, which relays it to all members.
func (c *WebRTCClient) Send(frame []byte) error {
	if !c.connected.Load() {
		return ErrNotJoined
	}
	c.writer.send(frame)
	return nil
}

// Connected reports the liveness snapshot.
func (c *WebRTCClient) Connected() bool {
	return c.connected.Load()
}

// OnInbound registers (or unhooks, with nil) the delivery callback.
func (c *WebRTCClient) OnInbound(fn Inbound) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}
