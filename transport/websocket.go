package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/guseggert/workerrpc/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WSConn exchanges messages as JSON text messages over a WebSocket.
type WSConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func NewWSConn(conn *websocket.Conn, limits Limits) *WSConn {
	conn.SetReadLimit(int64(limits.maxFrame()))
	return &WSConn{conn: conn}
}

// DialWS connects to a WebSocket endpoint serving a worker. httpClient may be nil.
func DialWS(ctx context.Context, url string, httpClient *http.Client) (*WSConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWSConn(conn, DefaultLimits()), nil
}

// AcceptWS upgrades an HTTP request to a WSConn.
func AcceptWS(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("accepting WebSocket: %w", err)
	}
	return NewWSConn(conn, DefaultLimits()), nil
}

func (c *WSConn) Send(ctx context.Context, msg *protocol.Message, transfer [][]byte) error {
	return wsjson.Write(ctx, c.conn, msg)
}

// Receive returns io.EOF when the peer closed the connection normally.
// Done contexts close the underlying WebSocket.
func (c *WSConn) Receive(ctx context.Context) (*protocol.Message, error) {
	typ, b, err := c.conn.Read(ctx)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: unexpected %s message", protocol.ErrMalformedMessage, typ)
	}
	var msg protocol.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return c.closeErr
}
