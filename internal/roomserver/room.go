package roomserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// member is one relay participant. All of its outbound frames funnel
// through tx and a single writer goroutine, preserving per-sender ordering.
type member struct {
	peerID string
	conn   *websocket.Conn
	tx     chan []byte
	done   chan struct{}

	closeOnce sync.Once
}

// room is one broadcast scope.
type room struct {
	mx      sync.RWMutex
	members map[string]*member
}

// roomTable maps (app, room) keys to live rooms. Empty rooms are reaped on
// the spot when their last member leaves.
type roomTable struct {
	mx     sync.Mutex
	rooms  map[string]*room
	logger zerolog.Logger
}

func newRoomTable(logger *zerolog.Logger) *roomTable {
	return &roomTable{
		rooms:  make(map[string]*room),
		logger: logger.With().Str("component", "room-table").Logger(),
	}
}

func roomKey(appID, roomID string) string {
	return appID + "/" + roomID
}

// add places m into the (appID, roomID) room, creating it on first join.
// Returns false when the member cap is reached. A reconnecting peer ID
// displaces its stale predecessor.
func (rt *roomTable) add(appID, roomID string, m *member, maxMembers int) (*room, bool) {
	rt.mx.Lock()
	defer rt.mx.Unlock()

	key := roomKey(appID, roomID)
	rm, ok := rt.rooms[key]
	if !ok {
		rm = &room{members: make(map[string]*member)}
		rt.rooms[key] = rm
		rt.logger.Debug().Str("key", key).Msg("room created")
	}

	rm.mx.Lock()
	defer rm.mx.Unlock()

	if prev, ok := rm.members[m.peerID]; ok {
		prev.close()
	} else if maxMembers > 0 && len(rm.members) >= maxMembers {
		return nil, false
	}

	rm.members[m.peerID] = m
	return rm, true
}

// remove takes m out of its room and reaps the room when it empties.
func (rt *roomTable) remove(appID, roomID string, m *member) {
	rt.mx.Lock()
	defer rt.mx.Unlock()

	key := roomKey(appID, roomID)
	rm, ok := rt.rooms[key]
	if !ok {
		return
	}

	rm.mx.Lock()
	if cur, ok := rm.members[m.peerID]; ok && cur == m {
		delete(rm.members, m.peerID)
	}
	empty := len(rm.members) == 0
	rm.mx.Unlock()

	m.close()

	if empty {
		delete(rt.rooms, key)
		rt.logger.Debug().Str("key", key).Msg("room reaped")
	}
}

// broadcast forwards frame to every member except the sender. A member
// whose buffer stays full past the send timeout is skipped, not waited on.
func (rm *room) broadcast(frame []byte, from string, logger *zerolog.Logger) {
	rm.mx.RLock()
	targets := make([]*member, 0, len(rm.members))
	for id, m := range rm.members {
		if id != from {
			targets = append(targets, m)
		}
	}
	rm.mx.RUnlock()

	for _, m := range targets {
		select {
		case m.tx <- frame:
		case <-m.done:
		case <-time.After(defaultSendTimeout):
			logger.Warn().Str("dst", m.peerID).Msg("dead member, frame dropped")
		}
	}
}

// readLoop pulls frames off the member's socket and relays them. The frame
// body is opaque to the relay; only the envelope type is peeked for logs.
func (m *member) readLoop(rm *room, logger *zerolog.Logger) {
	m.conn.SetReadLimit(defaultMaxFrameSize)

	for {
		_, frame, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Debug().Msg("connection closed")
			} else {
				logger.Warn().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		if logger.GetLevel() <= zerolog.DebugLevel {
			envType := gjson.GetBytes(frame, "type").String()
			sender := gjson.GetBytes(frame, "senderId").String()
			logger.Debug().
				Str("type", envType).
				Str("sender", sender).
				Int("bytes", len(frame)).
				Msg("relaying frame")
		}

		rm.broadcast(frame, m.peerID, logger)
	}
}

// writeLoop is the member's single outbound path.
func (m *member) writeLoop(logger *zerolog.Logger) {
	for {
		select {
		case frame := <-m.tx:
			if err := m.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Error().Err(err).Msg("failed to write frame")
				return
			}
		case <-m.done:
			return
		}
	}
}

// close shuts the member's socket exactly once.
func (m *member) close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.conn.Close()
	})
}
