// Package chat holds the transport-neutral pieces shared by the chat client
// and the dev peer.
package chat

import "context"

// Conn abstracts one duplex connection to a chat peer.
// This interface isolates transport details from session logic.
type Conn interface {
	// Read reads a single text frame.
	// Returns io.EOF when the peer closed the connection normally.
	Read(ctx context.Context) (string, error)

	// Write sends a single text frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// DialFunc opens a connection to the peer at url.
type DialFunc func(ctx context.Context, url string) (Conn, error)
