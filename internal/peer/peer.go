// Package peer implements a small chat backend for local development. It
// answers text envelopes with a reply streamed in fragments and stores
// uploaded PDFs on disk.
package peer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/omochice/pdfchat/internal/chat"
	"github.com/omochice/pdfchat/pkg/protocol"
)

const (
	DefaultFragmentSize = 8
	writeTimeout        = 10 * time.Second

	// envelopeOverhead covers the JSON wrapper, file name and data-URL
	// header around an encoded upload.
	envelopeOverhead = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Responder produces the reply to a question.
type Responder func(ctx context.Context, question string) (string, error)

// Echo answers every question by repeating it.
func Echo(_ context.Context, question string) (string, error) {
	return "You said: " + question, nil
}

// Options configures a Server.
type Options struct {
	// UploadDir receives uploaded files. Uploads are acknowledged but not
	// kept when it is empty.
	UploadDir string
	// MaxFileSize rejects larger uploads. Zero disables the check.
	MaxFileSize int64
	// FragmentSize is the number of runes per reply frame.
	FragmentSize int
	// FragmentDelay is the pause between reply frames.
	FragmentDelay time.Duration
	// FrameMode selects raw text frames or structured JSON frames.
	FrameMode protocol.FrameMode
	Responder Responder
}

// Server serves the chat backend over WebSocket.
type Server struct {
	address  string
	opts     Options
	hub      *chat.Hub
	router   http.Handler
	listener net.Listener
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New creates a Server that will listen on address.
func New(address string, opts Options) *Server {
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = DefaultFragmentSize
	}
	if opts.FrameMode == "" {
		opts.FrameMode = protocol.FrameRaw
	}
	if opts.Responder == nil {
		opts.Responder = Echo
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address: address,
		opts:    opts,
		hub:     chat.NewHub(),
		ctx:     ctx,
		cancel:  cancel,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	s.router = r
	return s
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	log.Info().Str("addr", listener.Addr().String()).Msg("[peer] listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("[peer] serve failed")
		}
	}()
	return nil
}

// Stop closes the listener and every client connection, then waits for
// the handlers to return.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.server.Shutdown(ctx)
		cancel()
	}
	s.hub.CloseAll()
	s.wg.Wait()
	log.Info().Msg("[peer] stopped")
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[peer] failed to upgrade connection")
		return
	}

	c := newConn(ws, r.RemoteAddr, s.readLimit())

	// Stop may have begun during the upgrade; wg.Add happens under mu.
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.wg.Add(1)
	s.hub.Register(c)
	s.mu.Unlock()

	log.Info().Str("remote", c.RemoteAddr()).Int("clients", s.hub.ClientCount()).Msg("[peer] client connected")
	go s.handleClient(c)
}

// readLimit is the largest frame a client may send: an upload of
// MaxFileSize bytes once base64 encoded and wrapped in an envelope. Zero
// means unlimited.
func (s *Server) readLimit() int64 {
	if s.opts.MaxFileSize <= 0 {
		return 0
	}
	return int64(base64.StdEncoding.EncodedLen(int(s.opts.MaxFileSize))) + envelopeOverhead
}

// handleClient answers envelopes until the client goes away.
func (s *Server) handleClient(c chat.Conn) {
	defer s.wg.Done()
	defer func() {
		s.hub.Unregister(c)
		_ = c.Close()
		log.Info().Str("remote", c.RemoteAddr()).Msg("[peer] client disconnected")
	}()

	for {
		data, err := c.Read(s.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				log.Warn().Err(err).Str("remote", c.RemoteAddr()).Msg("[peer] read failed")
			}
			return
		}

		var env protocol.Envelope
		if err := env.Decode([]byte(data)); err != nil {
			log.Warn().Err(err).Msg("[peer] invalid envelope")
			if err := s.reply(c, s.errorFrames(err)); err != nil {
				return
			}
			continue
		}

		var frames []protocol.Frame
		switch env.Type {
		case protocol.EnvelopeText:
			log.Info().Str("remote", c.RemoteAddr()).Int("len", len(env.Payload)).Msg("[peer] question")
			frames = s.answer(env.Payload)
		case protocol.EnvelopeFile:
			frames = s.receiveFile(env)
		}
		if err := s.reply(c, frames); err != nil {
			log.Warn().Err(err).Msg("[peer] write failed")
			return
		}
	}
}

func (s *Server) answer(question string) []protocol.Frame {
	text, err := s.opts.Responder(s.ctx, question)
	if err != nil {
		return s.errorFrames(err)
	}
	// Structured clients show every message frame as its own item.
	if s.opts.FrameMode == protocol.FrameStructured {
		return []protocol.Frame{{Kind: protocol.FrameFragment, Text: text}}
	}
	var frames []protocol.Frame
	for _, part := range Split(text, s.opts.FragmentSize) {
		frames = append(frames, protocol.Frame{Kind: protocol.FrameFragment, Text: part})
	}
	return frames
}

func (s *Server) receiveFile(env protocol.Envelope) []protocol.Frame {
	name, size, err := s.saveFile(env.Filename, env.Payload)
	if err != nil {
		log.Warn().Err(err).Str("file", env.Filename).Msg("[peer] upload rejected")
		return s.errorFrames(err)
	}
	log.Info().Str("file", name).Int("size", size).Msg("[peer] upload received")

	msg := fmt.Sprintf("Received %s (%s)", name, humanize.IBytes(uint64(size)))
	if s.opts.FrameMode == protocol.FrameStructured {
		return []protocol.Frame{{Kind: protocol.FrameNotice, Text: msg}}
	}
	return []protocol.Frame{{Kind: protocol.FrameFragment, Text: msg}}
}

// saveFile decodes payload and writes it under the upload directory using
// the base name of filename.
func (s *Server) saveFile(filename, payload string) (string, int, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." || strings.ContainsRune(name, filepath.Separator) {
		return "", 0, fmt.Errorf("invalid file name %q", filename)
	}

	data, err := protocol.DecodeFileContent(payload)
	if err != nil {
		return "", 0, err
	}
	if s.opts.MaxFileSize > 0 && int64(len(data)) > s.opts.MaxFileSize {
		return "", 0, fmt.Errorf("%s is larger than %s", name, humanize.IBytes(uint64(s.opts.MaxFileSize)))
	}
	if s.opts.UploadDir == "" {
		return name, len(data), nil
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.opts.UploadDir, name), data, 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to save %s: %w", name, err)
	}
	return name, len(data), nil
}

func (s *Server) errorFrames(err error) []protocol.Frame {
	if s.opts.FrameMode == protocol.FrameStructured {
		return []protocol.Frame{{Kind: protocol.FrameError, Text: err.Error()}}
	}
	return []protocol.Frame{{Kind: protocol.FrameFragment, Text: "Error: " + err.Error()}}
}

// reply writes frames followed by the end-of-stream sentinel.
func (s *Server) reply(c chat.Conn, frames []protocol.Frame) error {
	frames = append(frames, protocol.Frame{Kind: protocol.FrameEnd})
	for i, f := range frames {
		if i > 0 && s.opts.FragmentDelay > 0 && f.Kind == protocol.FrameFragment {
			select {
			case <-s.ctx.Done():
				return s.ctx.Err()
			case <-time.After(s.opts.FragmentDelay):
			}
		}
		data, err := protocol.EncodeFrame(f, s.opts.FrameMode)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err = c.Write(ctx, data)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// Split cuts text into pieces of at most size runes. Empty text yields no
// pieces.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultFragmentSize
	}
	var out []string
	for len(text) > 0 {
		end, n := 0, 0
		for end < len(text) && n < size {
			_, w := utf8.DecodeRuneInString(text[end:])
			end += w
			n++
		}
		out = append(out, text[:end])
		text = text[end:]
	}
	return out
}
