// Package roomserver implements the broadcast room relay: a WebSocket
// endpoint where every frame a member sends is forwarded to all other
// members of the same (app, room) scope. It is the deployable stand-in for
// the platform's hosted broadcast service.
package roomserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultMaxFrameSize  = 9000
	defaultWriteDeadline = 5 * time.Second
	defaultSendTimeout   = time.Second

	defaultMemberTxBuffer = 256
)

// ErrUnexpected wraps server errors that were not part of a clean shutdown.
var ErrUnexpected = errors.New("unexpected server error")

// Config carries the relay's dependencies and knobs.
type Config struct {
	Logger     *zerolog.Logger
	ListenAddr string
	MaxMembers int // per-room member cap; 0 means unlimited
}

// Server is the relay HTTP/WebSocket server.
type Server struct {
	*http.Server

	ws         *websocket.Upgrader
	rooms      *roomTable
	maxMembers int
	logger     zerolog.Logger
}

// NewServer builds a relay listening on cfg.ListenAddr with a single
// "/rooms" endpoint taking app, room, and peer query parameters.
func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:     cfg.Logger.With().Str("component", "room-server").Logger(),
		rooms:      newRoomTable(cfg.Logger),
		maxMembers: cfg.MaxMembers,
		ws: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rooms", srv.join)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// Run serves until ctx is cancelled or the listener fails.
func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// join upgrades one member connection and runs its relay session.
func (srv *Server) join(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appID, roomID, peerID := q.Get("app"), q.Get("room"), q.Get("peer")
	if appID == "" || roomID == "" || peerID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	m := &member{
		peerID: peerID,
		conn:   conn,
		tx:     make(chan []byte, defaultMemberTxBuffer),
		done:   make(chan struct{}),
	}

	room, ok := srv.rooms.add(appID, roomID, m, srv.maxMembers)
	if !ok {
		srv.logger.Warn().
			Str("app", appID).Str("room", roomID).Str("peer", peerID).
			Msg("room full, refusing member")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room full"))
		conn.Close()
		return
	}

	logger := srv.logger.With().
		Str("app", appID).Str("room", roomID).Str("peer", peerID).
		Logger()
	logger.Info().Msg("member joined")

	go m.writeLoop(&logger)
	go func() {
		m.readLoop(room, &logger)
		srv.rooms.remove(appID, roomID, m)
		logger.Info().Msg("member left")
	}()
}
