package sync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport moves messages between two peers. Implementations need not be
// safe for concurrent use; the session serializes sends itself.
//
// Receive blocks until a frame arrives, the peer closes, or the session
// timeout elapses. A stalled connection surfaces as a Receive error and is
// dropped without touching local state.
type Transport interface {
	Send(m *Message) error
	Receive() (*Message, error)
	Close() error
}

// wsTransport adapts a websocket connection to the Transport interface.
type wsTransport struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// NewWebsocketTransport wraps an established websocket connection.
// timeout bounds each read and write; zero means no deadline.
func NewWebsocketTransport(conn *websocket.Conn, timeout time.Duration) Transport {
	return &wsTransport{conn: conn, timeout: timeout}
}

// Dial connects to a peer's sync endpoint, e.g. "ws://host:port/sync".
func Dial(ctx context.Context, url string, timeout time.Duration) (Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebsocketTransport(conn, timeout), nil
}

func (t *wsTransport) Send(m *Message) error {
	if t.timeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := t.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	return nil
}

func (t *wsTransport) Receive() (*Message, error) {
	if t.timeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}
	var m Message
	if err := t.conn.ReadJSON(&m); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return &m, nil
}

func (t *wsTransport) Close() error {
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers authenticate with Ed25519 signatures on every operation, not
	// with browser origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler returns an HTTP handler that upgrades each request to a
// websocket and runs one sync session against it.
func Handler(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.logger().Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		tr := NewWebsocketTransport(conn, cfg.Timeout)
		defer tr.Close()

		sess := NewSession(cfg, tr)
		outcome, err := sess.Run(r.Context())
		if err != nil {
			cfg.logger().Error("sync session failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		cfg.logger().Info("sync session complete",
			"peer", outcome.Peer.Short(),
			"sent", outcome.Sent,
			"received", outcome.Received,
			"head_match", outcome.HeadMatch)
	}
}
