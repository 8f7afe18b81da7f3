// Package chattest provides an in-memory chat.Conn for tests.
package chattest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/omochice/pdfchat/internal/chat"
)

var errConnClosed = errors.New("chattest: connection closed")

// Conn is an in-memory chat.Conn. Frames pushed with Push are returned by
// Read in order; frames passed to Write are recorded.
type Conn struct {
	readCh     chan string
	closedCh   chan struct{}
	closeOnce  sync.Once
	remoteAddr string

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	readErr  error
	notify   chan struct{}
}

var _ chat.Conn = (*Conn)(nil)

// NewConn returns an open Conn reporting addr as its remote address.
func NewConn(addr string) *Conn {
	return &Conn{
		readCh:     make(chan string, 64),
		closedCh:   make(chan struct{}),
		remoteAddr: addr,
		notify:     make(chan struct{}, 64),
	}
}

// Push queues a frame for Read.
func (c *Conn) Push(frame string) {
	c.readCh <- frame
}

// Hangup makes pending and future reads fail with err, or io.EOF when err
// is nil.
func (c *Conn) Hangup(err error) {
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	close(c.readCh)
}

// FailWrites makes every following Write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *Conn) Read(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closedCh:
		return "", errConnClosed
	case frame, ok := <-c.readCh:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return "", c.readErr
		}
		return frame, nil
	}
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.isClosed() {
		return errConnClosed
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	c.written = append(c.written, copied)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closedCh) })
	return nil
}

func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.isClosed()
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// WaitWritten blocks until at least n frames were written or ctx ends.
func (c *Conn) WaitWritten(ctx context.Context, n int) ([][]byte, error) {
	for {
		if w := c.Written(); len(w) >= n {
			return w, nil
		}
		select {
		case <-ctx.Done():
			return c.Written(), ctx.Err()
		case <-c.notify:
		}
	}
}
