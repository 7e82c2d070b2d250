package medium

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/broadlink/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// STUN servers for ICE candidate gathering. No TURN — the medium is designed
// for direct P2P connectivity with zero infrastructure cost.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection configured with Google STUN servers.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newBroadcastChannel creates a pre-negotiated, ordered DataChannel on the
// given PeerConnection. Negotiated mode (ID 0) lets both sides create the
// channel independently without relying on OnDataChannel. Ordered mode is
// kept: the transport contract promises ordering between consecutive sends
// from the same member, and SCTP ordering is what provides it here.
func newBroadcastChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("broadcast", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// dcWriter serializes all writes to a single DataChannel, adding open-gate
// and backpressure control. It is the per-link single outbound path.
type dcWriter struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newDCWriter creates a writer, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newDCWriter(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *dcWriter {
	w := &dcWriter{
		inbox:       make(chan []byte, outboxSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case w.drainSignal <- struct{}{}:
		default:
		}
	})

	go w.loop(ctx, dc, openSignal)

	return w
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (w *dcWriter) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case frame := <-w.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-w.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.SendText(string(frame)); err != nil {
				util.LogError("datachannel send failed: %v", err)
				return
			}

			util.Stats.AddSent(len(frame))

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a frame for transmission. The frame is dropped with a
// warning when the buffer is full, keeping the caller non-blocking.
func (w *dcWriter) send(frame []byte) {
	select {
	case w.inbox <- frame:
	default:
		util.LogWarning("datachannel outbox full, dropping %d-byte frame", len(frame))
	}
}

// openGate wires a one-shot open signal on dc and returns the channel that
// closes when the DataChannel reports open.
func openGate(dc *webrtc.DataChannel) <-chan struct{} {
	openSignal := make(chan struct{})
	var once sync.Once
	dc.OnOpen(func() {
		once.Do(func() { close(openSignal) })
	})
	return openSignal
}
