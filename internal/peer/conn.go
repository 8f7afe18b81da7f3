package peer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeTimeout = time.Second

// conn adapts a gorilla connection to chat.Conn.
type conn struct {
	ws         *websocket.Conn
	remoteAddr string
	wmu        sync.Mutex
	closeOnce  sync.Once
}

// newConn wraps ws. A positive limit caps the size of incoming messages.
func newConn(ws *websocket.Conn, remoteAddr string, limit int64) *conn {
	if limit > 0 {
		ws.SetReadLimit(limit)
	}
	return &conn{ws: ws, remoteAddr: remoteAddr}
}

func (c *conn) Read(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return "", io.EOF
			}
			return "", fmt.Errorf("failed to read message: %w", err)
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	// A zero deadline clears any previous one.
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *conn) RemoteAddr() string {
	return c.remoteAddr
}
