// Package client drives a chat session against a live peer. It owns the
// single goroutine that feeds the session state machine and performs the
// effects it returns.
package client

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/omochice/pdfchat/internal/chat"
	"github.com/omochice/pdfchat/internal/session"
	"github.com/omochice/pdfchat/internal/transport/ws"
	"github.com/omochice/pdfchat/internal/upload"
	"github.com/omochice/pdfchat/pkg/protocol"
)

// ErrClosed is returned when posting to a client that has stopped.
var ErrClosed = errors.New("client closed")

const defaultWriteTimeout = 10 * time.Second

// Store receives finished display items.
type Store interface {
	Append(sessionID string, records ...protocol.Record) error
}

// Config configures a Client.
type Config struct {
	Endpoint     string
	PayloadField protocol.PayloadField
	FrameMode    protocol.FrameMode
	MaxFileSize  int64
	WriteTimeout time.Duration
}

// Update is published after every handled event.
type Update struct {
	session.Snapshot
	// ClearInput is set when a submitted text was accepted.
	ClearInput bool
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(dial chat.DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithStore persists finished items to s.
func WithStore(s Store) Option {
	return func(c *Client) { c.store = s }
}

// WithSessionID sets the id under which items are persisted.
func WithSessionID(id string) Option {
	return func(c *Client) { c.id = id }
}

// Client represents one chat session and its connection to the peer.
type Client struct {
	cfg   Config
	id    string
	dial  chat.DialFunc
	store Store
	sess  *session.Session

	events  chan session.Event
	updates chan Update

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Client instance. Nothing happens until Run.
func New(cfg Config, opts ...Option) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	c := &Client{
		cfg:     cfg,
		dial:    ws.Dialer,
		events:  make(chan session.Event, 64),
		updates: make(chan Update, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	c.sess = session.New(session.Config{
		Endpoint:     cfg.Endpoint,
		PayloadField: cfg.PayloadField,
		FrameMode:    cfg.FrameMode,
	})
	return c
}

// ID returns the session id.
func (c *Client) ID() string {
	return c.id
}

// Updates returns the channel of render updates. Only the newest pending
// update is kept when the reader falls behind. The channel is closed when
// Run returns.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Submit sends a text message. Blank text is ignored by the session.
func (c *Client) Submit(text string) error {
	return c.post(session.Submit{Text: text})
}

// SelectFile uploads the file at path after validation.
func (c *Client) SelectFile(path string) error {
	return c.post(session.FileSelected{Path: path})
}

// Close stops Run. It is safe to call more than once.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.running.Load() {
		<-c.done
	}
}

// Run processes events until ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("client is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.shutdown()
	}()

	log.Info().Str("session", c.id).Str("endpoint", c.cfg.Endpoint).Msg("[client] session started")
	c.publish(Update{Snapshot: c.sess.Snapshot()})

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case ev := <-c.events:
			clear := c.handle(ctx, ev)
			c.publish(Update{Snapshot: c.sess.Snapshot(), ClearInput: clear})
		}
	}
}

func (c *Client) shutdown() {
	if conn := c.sess.Conn(); conn != nil {
		_ = conn.Close()
	}
	close(c.done)
	c.wg.Wait()
	c.persist(c.sess.Flush())
	close(c.updates)
	log.Info().Str("session", c.id).Msg("[client] session stopped")
}

// handle feeds ev to the session and performs the resulting effects.
// A failed send is fed back as a Closed event.
func (c *Client) handle(ctx context.Context, ev session.Event) bool {
	clear := false
	queue := []session.Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]
		for _, eff := range c.sess.Handle(ev) {
			switch eff := eff.(type) {
			case session.Dial:
				c.startDial(ctx, eff)
			case session.Send:
				if err := c.send(ctx, eff); err != nil {
					queue = append(queue, session.Closed{Gen: eff.Gen, Err: err})
				}
			case session.Close:
				if eff.Conn != nil {
					_ = eff.Conn.Close()
				}
			case session.PrepareFile:
				c.startPrepare(eff.Path)
			case session.ClearInput:
				clear = true
			case session.Persist:
				c.persist(eff.Items)
			}
		}
	}
	return clear
}

func (c *Client) send(ctx context.Context, eff session.Send) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := eff.Conn.Write(wctx, eff.Data); err != nil {
		log.Warn().Err(err).Uint64("gen", eff.Gen).Msg("[client] send failed")
		_ = eff.Conn.Close()
		return err
	}
	log.Debug().Uint64("gen", eff.Gen).Int("bytes", len(eff.Data)).Msg("[client] envelope sent")
	return nil
}

// startDial connects in the background and then reads frames until the
// connection ends. Each frame becomes a Received event.
func (c *Client) startDial(ctx context.Context, eff session.Dial) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		log.Info().Uint64("gen", eff.Gen).Str("url", eff.URL).Msg("[client] connecting")
		conn, err := c.dial(ctx, eff.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Uint64("gen", eff.Gen).Msg("[client] connect failed")
			_ = c.post(session.Closed{Gen: eff.Gen, Err: err})
			return
		}
		if err := c.post(session.Opened{Gen: eff.Gen, Conn: conn}); err != nil {
			_ = conn.Close()
			return
		}
		log.Info().Uint64("gen", eff.Gen).Str("remote", conn.RemoteAddr()).Msg("[client] connected")

		c.readLoop(ctx, eff.Gen, conn)
	}()
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn chat.Conn) {
	for {
		payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			log.Info().Err(err).Uint64("gen", gen).Msg("[client] connection closed")
			_ = c.post(session.Closed{Gen: gen, Err: err})
			return
		}
		if err := c.post(session.Received{Gen: gen, Payload: payload}); err != nil {
			return
		}
	}
}

func (c *Client) startPrepare(path string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		f, err := upload.Prepare(path, c.cfg.MaxFileSize)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("[client] file rejected")
			_ = c.post(session.FileRejected{Name: filepath.Base(path), Err: err})
			return
		}
		log.Info().Str("file", f.Name).Int64("size", f.Size).Msg("[client] file prepared")
		_ = c.post(session.FilePrepared{Name: f.Name, Payload: f.Payload})
	}()
}

func (c *Client) persist(items []session.Item) {
	if c.store == nil || len(items) == 0 {
		return
	}
	records := make([]protocol.Record, 0, len(items))
	for _, it := range items {
		records = append(records, it.Record())
	}
	if err := c.store.Append(c.id, records...); err != nil {
		log.Warn().Err(err).Str("session", c.id).Msg("[client] persist failed")
	}
}

func (c *Client) post(ev session.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.stop:
		return ErrClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.stop:
		return ErrClosed
	}
}

// publish hands u to the reader, replacing an unread update. Only the loop
// goroutine calls it.
func (c *Client) publish(u Update) {
	for {
		select {
		case c.updates <- u:
			return
		default:
		}
		select {
		case old := <-c.updates:
			u.ClearInput = u.ClearInput || old.ClearInput
		default:
		}
	}
}
