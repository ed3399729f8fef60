package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/deskrtc/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusEvent is one frame of the status stream.
type StatusEvent struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	Status    domain.Status    `json:"status"`
}

type wsStatusConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsStatusConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsStatusConn) Close() { c.shutdown(true) }

// Finish stops accepting frames but lets writePump flush what is queued
// and send a close frame.
func (c *wsStatusConn) Finish() { c.shutdown(false) }

func (c *wsStatusConn) shutdown(closeConn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if closeConn {
		_ = c.conn.Close()
	}
}

// StatusStream pushes every status change of the desktop's current session
// over a websocket, starting with the current status. The stream ends with
// a normal close once that session is disconnected or replaced.
func (ctl *Controller) StatusStream(c *gin.Context) {
	desktop, ok := desktopParam(c)
	if !ok {
		return
	}
	s, found := ctl.reg.Session(desktop)
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no session"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	logger := log.With().Str("module", "adapters.http").Str("desktop", string(desktop)).Str("sid", string(s.ID())).Logger()
	logger.Info().Msg("status stream opened")

	conn := &wsStatusConn{conn: ws, send: make(chan []byte, 32)}
	push := func(st domain.Status) {
		frame, _ := json.Marshal(StatusEvent{Type: "status", SessionID: s.ID(), Status: st})
		if err := conn.TrySend(frame); err != nil {
			logger.Warn().Err(err).Str("status", st.String()).Msg("status frame dropped")
		}
	}

	ctx, cancel := context.WithCancel(ctl.ctx)
	off := s.OnStatusChange(push)
	push(s.Status())

	go writePump(ctx, conn)
	go func() {
		select {
		case <-s.Done():
			logger.Info().Msg("session ended, finishing status stream")
			conn.Finish()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer off()
		defer cancel()
		readPump(ctx, conn)
		logger.Info().Msg("status stream closed")
	}()
}

func writePump(ctx context.Context, c *wsStatusConn) {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				_ = c.conn.Close()
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump only drains control frames; the stream is one-way.
func readPump(ctx context.Context, c *wsStatusConn) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
