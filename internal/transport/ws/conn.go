// Package ws provides the WebSocket client transport.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/pdfchat/internal/chat"
)

// Conn adapts a client-side gobwas/ws connection to chat.Conn.
type Conn struct {
	conn       net.Conn
	reader     *wsutil.Reader
	remoteAddr string

	// wmu serializes frames written by Write, Close and control replies.
	wmu       sync.Mutex
	closeOnce sync.Once
}

var _ chat.Conn = (*Conn)(nil)

// Dial performs the WebSocket handshake with url and returns the
// connection.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return newConn(conn, br), nil
}

// Dialer is a chat.DialFunc backed by Dial.
func Dialer(ctx context.Context, url string) (chat.Conn, error) {
	c, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newConn wraps an established client connection. br holds bytes the
// server sent right after the handshake and may be nil.
func newConn(conn net.Conn, br *bufio.Reader) *Conn {
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	c := &Conn{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
	}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Read implements chat.Conn.
// Reads the next data frame; control frames are answered in between.
func (c *Conn) Read(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return "", c.readErr(ctx, err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				return "", c.readErr(ctx, err)
			}
			continue
		}
		data, err := io.ReadAll(c.reader)
		if err != nil {
			return "", c.readErr(ctx, err)
		}
		return string(data), nil
	}
}

// Write implements chat.Conn.
// Writes a masked text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// handleControl answers ping and close frames. The reply is buffered so it
// goes out as one write under wmu.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	herr := wsutil.ControlFrameHandler(&buf, ws.StateClientSide)(hdr, r)
	if buf.Len() > 0 {
		c.wmu.Lock()
		_, werr := c.conn.Write(buf.Bytes())
		c.wmu.Unlock()
		if herr == nil && werr != nil {
			return werr
		}
	}
	return herr
}

// readErr maps read failures: a normal close becomes io.EOF and a
// cancelled context wins over the deadline error it caused.
func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		switch closed.Code {
		case ws.StatusNormalClosure, ws.StatusGoingAway, ws.StatusNoStatusRcvd:
			return io.EOF
		}
		return fmt.Errorf("connection closed by peer: %w", err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("connection dropped: %w", err)
	}
	return err
}
