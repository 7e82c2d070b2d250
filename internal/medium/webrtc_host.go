package medium

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/broadlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebRTCHost is the hub side of the WebRTC star medium. It embeds a
// WebSocket signaling endpoint; each client that completes the SDP/ICE
// exchange gets its own PeerConnection and DataChannel. The hub relays
// every inbound frame to all other members (and delivers it locally), so
// the star behaves like one broadcast channel: all peers see all frames.
type WebRTCHost struct {
	listenAddr string
	appID      string
	roomID     string

	listener net.Listener

	handlerMu sync.RWMutex
	handler   Inbound

	peersMu sync.Mutex
	peers   map[string]*hostPeer

	ctx       context.Context
	cancel    context.CancelFunc
	connected atomic.Bool
	closeOnce sync.Once
}

// hostPeer is one spoke of the star.
type hostPeer struct {
	id     string
	pc     *webrtc.PeerConnection
	writer *dcWriter
	cancel context.CancelFunc
}

// NewWebRTCHost creates a hub that will serve signaling on listenAddr
// (e.g. ":8787"; ":0" picks a random port).
func NewWebRTCHost(listenAddr string) *WebRTCHost {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebRTCHost{
		listenAddr: listenAddr,
		peers:      make(map[string]*hostPeer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Join starts the signaling listener for the (appID, roomID) scope. For the
// hub, membership means "listening": there is no remote service to wait on.
func (h *WebRTCHost) Join(ctx context.Context, appID, roomID string) error {
	if h.connected.Load() {
		return fmt.Errorf("already hosting %s/%s", h.appID, h.roomID)
	}

	h.appID = appID
	h.roomID = roomID

	listener, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to start signaling listener: %w", err)
	}
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", h.handleSignal)
	go func() {
		_ = http.Serve(listener, mux)
	}()

	h.connected.Store(true)
	util.LogInfo("webrtc hub: signaling on %s for %s/%s", listener.Addr(), appID, roomID)
	return nil
}

// Addr returns the signaling listener address, valid after Join.
func (h *WebRTCHost) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Leave tears down the listener and every spoke.
func (h *WebRTCHost) Leave() {
	h.closeOnce.Do(func() {
		h.connected.Store(false)
		h.cancel()
		if h.listener != nil {
			h.listener.Close()
		}

		h.peersMu.Lock()
		for id, p := range h.peers {
			p.cancel()
			p.pc.Close()
			delete(h.peers, id)
		}
		h.peersMu.Unlock()
	})
}

// Send broadcasts a locally originated frame to every spoke.
func (h *WebRTCHost) Send(frame []byte) error {
	if !h.connected.Load() {
		return ErrNotJoined
	}
	h.fanOut(frame, "")
	return nil
}

// Connected reports whether the hub is listening.
func (h *WebRTCHost) Connected() bool {
	return h.connected.Load()
}

// OnInbound registers (or unhooks, with nil) the local delivery callback.
func (h *WebRTCHost) OnInbound(fn Inbound) {
	h.handlerMu.Lock()
	h.handler = fn
	h.handlerMu.Unlock()
}

// fanOut enqueues frame on every spoke except exclude (empty = no exclusion).
func (h *WebRTCHost) fanOut(frame []byte, exclude string) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	for id, p := range h.peers {
		if id != exclude {
			p.writer.send(frame)
		}
	}
}

// deliver hands an inbound frame to the local callback and relays it to the
// other spokes, preserving broadcast semantics.
func (h *WebRTCHost) deliver(frame []byte, from string) {
	util.Stats.AddRecv(len(frame))

	h.handlerMu.RLock()
	fn := h.handler
	h.handlerMu.RUnlock()
	if fn != nil {
		fn(frame)
	}

	h.fanOut(frame, from)
}

// handleSignal upgrades one signaling WebSocket and runs the host-side
// SDP/ICE exchange for the connecting peer.
func (h *WebRTCHost) handleSignal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	peerID := q.Get("peer")
	if peerID == "" {
		http.Error(w, "missing peer", http.StatusBadRequest)
		return
	}
	if q.Get("app") != h.appID || q.Get("room") != h.roomID {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	if err := h.admitPeer(wsConn, peerID); err != nil {
		util.LogWarning("webrtc hub: exchange with %s failed: %v", peerID, err)
	}
}

// admitPeer performs the offer/answer/ICE exchange with one peer and, once
// the DataChannel opens, registers the spoke with the relay.
func (h *WebRTCHost) admitPeer(wsConn *websocket.Conn, peerID string) error {
	pc, err := newPeerConnection()
	if err != nil {
		return fmt.Errorf("create PeerConnection: %w", err)
	}

	dc, err := newBroadcastChannel(pc)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create DataChannel: %w", err)
	}

	peerCtx, peerCancel := context.WithCancel(h.ctx)
	openSignal := openGate(dc)
	writer := newDCWriter(peerCtx, dc, openSignal)

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		h.deliver(msg.Data, peerID)
	})
	dc.OnClose(func() {
		util.LogInfo("webrtc hub: peer %s channel closed", peerID)
		h.dropPeer(peerID)
	})

	var wsMu sync.Mutex
	wsSend := func(msg signalMessage) {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := wsConn.WriteJSON(msg); err != nil {
			// If the WS closed because the channel already opened, that's fine.
			select {
			case <-openSignal:
			default:
				util.LogDebug("webrtc hub: signaling send failed: %v", err)
			}
		}
	}

	// Trickle ICE candidates.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		wsSend(signalMessage{Type: sigCandidate, Candidate: string(data)})
	})

	// Create and send offer.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		peerCancel()
		pc.Close()
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		peerCancel()
		pc.Close()
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	wsSend(signalMessage{Type: sigOffer, SDP: offer.SDP})

	// Read loop: answer + ICE candidates.
	errCh := make(chan error, 1)
	go func() {
		for {
			var msg signalMessage
			if err := wsConn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			switch msg.Type {
			case sigAnswer:
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeAnswer,
					SDP:  msg.SDP,
				}); err != nil {
					util.LogWarning("webrtc hub: SetRemoteDescription failed: %v", err)
				}
			case sigCandidate:
				var init webrtc.ICECandidateInit
				if err := json.Unmarshal([]byte(msg.Candidate), &init); err == nil {
					if err := pc.AddICECandidate(init); err != nil {
						util.LogWarning("webrtc hub: AddICECandidate failed: %v", err)
					}
				}
			}
		}
	}()

	// Wait for the DataChannel to open, then register the spoke.
	select {
	case <-openSignal:
		h.peersMu.Lock()
		h.peers[peerID] = &hostPeer{id: peerID, pc: pc, writer: writer, cancel: peerCancel}
		h.peersMu.Unlock()
		util.LogInfo("webrtc hub: peer %s joined", peerID)
		return nil

	case err := <-errCh:
		select {
		case <-openSignal:
			return nil
		default:
			peerCancel()
			pc.Close()
			return fmt.Errorf("signaling read: %w", err)
		}

	case <-h.ctx.Done():
		peerCancel()
		pc.Close()
		return h.ctx.Err()
	}
}

// dropPeer removes a spoke from the relay table and releases its resources.
func (h *WebRTCHost) dropPeer(peerID string) {
	h.peersMu.Lock()
	p, ok := h.peers[peerID]
	if ok {
		delete(h.peers, peerID)
	}
	h.peersMu.Unlock()

	if ok {
		p.cancel()
		p.pc.Close()
	}
}
