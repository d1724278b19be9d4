package router

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// TransportConfig holds configuration for websocket connections.
type TransportConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultTransportConfig returns default websocket configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// WebSocketHandler upgrades HTTP requests and pumps frames between the
// transport and the router.
type WebSocketHandler struct {
	router   *Router
	upgrader websocket.Upgrader
	config   TransportConfig
}

// NewWebSocketHandler creates a handler bound to the router.
func NewWebSocketHandler(router *Router, config TransportConfig) *WebSocketHandler {
	return &WebSocketHandler{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// RegisterRoutes registers the websocket endpoint on the mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
}

// HandleConnection upgrades the request and starts the connection pumps.
// The connection stays unjoined until the client sends a join frame.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	ws := &wsConn{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		handler: h,
	}
	h.router.Attach(ws.id, ws)

	go ws.writePump()
	go ws.readPump()

	log.Info().
		Str("connection_id", ws.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("websocket connection established")
}

// wsConn is one websocket link with a buffered outbound queue drained by the
// write pump.
type wsConn struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	handler *WebSocketHandler

	closeOnce sync.Once
}

var (
	errSlowConsumer = errors.New("send buffer full")
	errConnClosed   = errors.New("connection closed")
)

// Send queues data for the write pump without blocking. A full buffer means
// the client stalled; it gets dropped rather than stalling the session.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		log.Warn().Str("connection_id", c.id).Msg("send buffer full, closing connection")
		c.Close()
		return errSlowConsumer
	}
}

// Close shuts the underlying transport. Safe to call more than once and from
// any goroutine.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.handler.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.handler.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.handler.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write websocket message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.handler.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) readPump() {
	defer func() {
		c.handler.router.Disconnect(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.handler.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.handler.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.handler.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected websocket close")
			}
			return
		}
		c.handler.router.Dispatch(c.id, data)
		c.conn.SetReadDeadline(time.Now().Add(c.handler.config.ReadTimeout))
	}
}
