package internal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatcore/internal/reconnect"
)

// wsDialer opens authenticated websocket links for the reconnect manager.
type wsDialer struct {
	joinURL string
	token   string
	dialer  *websocket.Dialer
}

func newWSDialer(joinURL, token string) *wsDialer {
	return &wsDialer{
		joinURL: joinURL,
		token:   token,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (d *wsDialer) Dial(ctx context.Context, link *reconnect.Link) (reconnect.Transport, error) {
	target, err := buildJoinURL(d.joinURL, d.token)
	if err != nil {
		return nil, err
	}
	conn, resp, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.joinURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.joinURL, err)
	}
	transport := &wsTransport{conn: conn}
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go transport.readLoop(link)
	return transport, nil
}

// wsTransport is one live websocket. Writes are serialized; reads run on
// their own goroutine and report the link's fate exactly once.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	local   atomic.Bool
}

func (t *wsTransport) Send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close() error {
	if !t.local.CompareAndSwap(false, true) {
		return nil
	}
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client quit"),
		time.Now().Add(writeWait))
	return t.conn.Close()
}

func (t *wsTransport) readLoop(link *reconnect.Link) {
	for {
		messageType, payload, err := t.conn.ReadMessage()
		if err != nil {
			switch {
			case t.local.Load():
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				link.Closed()
			default:
				link.Lost(err)
			}
			_ = t.conn.Close()
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType == websocket.TextMessage {
			link.Deliver(payload)
		}
	}
}

// buildJoinURL appends the session token to a ws:// or wss:// join URL.
func buildJoinURL(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
