package internal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatcore/internal/events"
	"chatcore/internal/log"
	"chatcore/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192
	sendBuffer = 256
)

// Client wraps a single websocket connection and its buffered send queue.
// It is the registry.Conn the server registers.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, limit rate.Limit, burst int) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (client *Client) ID() string { return client.id }

// Send queues payload without blocking. A full buffer or a closed client
// reports false.
func (client *Client) Send(payload []byte) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.closed {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and drops the socket.
func (client *Client) Close() {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.closed {
		return
	}
	client.closed = true
	close(client.send)
}

// ServeWS authenticates the session token, upgrades the request and starts
// the connection's pumps.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	websocketConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(websocketConn, s.eventRate, s.eventBurst)
	s.metrics.IncConn()
	s.registry.Register(client)
	sess := s.sessions.NewSession(client.id, authCtx.Username)
	sess.Start()
	s.logger.Info().Str(log.FieldConnID, client.id).Str(log.FieldUserID, authCtx.Username).Msg("client connected")

	go client.writePump()
	go s.readPump(s.baseCtx, client, sess)
}

func (s *Server) readPump(ctx context.Context, client *Client, sess *session.Session) {
	defer func() {
		sess.Close(ctx)
		client.Close()
		_ = client.conn.Close()
		s.metrics.DecConn()
		s.logger.Info().Str(log.FieldConnID, client.id).Msg("client disconnected")
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str(log.FieldConnID, client.id).Msg("read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !client.limiter.Allow() {
			_ = s.registry.SendTo(client.id, events.ErrorEvent{Message: "You're sending events too quickly. Please slow down."})
			continue
		}
		s.metrics.IncEvent()
		sess.HandleFrame(ctx, payload)
		if sess.Closed() {
			return
		}
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
