// Package session implements the chat session client as a single-threaded
// state machine: events go in, effects come out, and nothing in here
// blocks or performs I/O.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/pdfchat/internal/chat"
	"github.com/omochice/pdfchat/pkg/protocol"
)

// ConnState is the lifecycle state of the connection handle.
type ConnState int

const (
	ConnAbsent ConnState = iota
	ConnConnecting
	ConnOpen
)

// String returns the string representation of ConnState
func (s ConnState) String() string {
	switch s {
	case ConnAbsent:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "connected"
	default:
		return "unknown"
	}
}

// ItemState tells whether a display item is shown.
type ItemState int

const (
	ItemRevealed ItemState = iota
	ItemPending
)

// Item is one entry of the message list.
type Item struct {
	ID        string
	Role      protocol.Role
	State     ItemState
	Content   string
	CreatedAt time.Time
}

// Visible reports whether the item is rendered.
func (it Item) Visible() bool {
	return it.State != ItemPending
}

// Record converts the item to its persisted form.
func (it Item) Record() protocol.Record {
	return protocol.Record{
		ID:        it.ID,
		Role:      it.Role,
		Content:   it.Content,
		CreatedAt: it.CreatedAt,
	}
}

// turnState tracks the server item of the reply in flight.
type turnState int

const (
	turnIdle turnState = iota
	turnPending
	turnRevealed
)

// Config configures a Session.
type Config struct {
	Endpoint     string
	PayloadField protocol.PayloadField
	FrameMode    protocol.FrameMode

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// Session is the state of one chat session. It is not safe for concurrent
// use; a single goroutine feeds it events.
type Session struct {
	cfg Config

	conn  chat.Conn
	state ConnState
	gen   uint64
	queue [][]byte
	// dialAt is the index of the item whose send started the current dial.
	dialAt int

	items     []Item
	turn      turnState
	turnItem  int
	persisted int
	revision  uint64
}

// New creates a session with no connection and an empty message list.
func New(cfg Config) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.PayloadField == "" {
		cfg.PayloadField = protocol.FieldPayload
	}
	if cfg.FrameMode == "" {
		cfg.FrameMode = protocol.FrameRaw
	}
	return &Session{cfg: cfg, turnItem: -1}
}

// Handle applies ev and returns the effects the driver must perform, in
// order.
func (s *Session) Handle(ev Event) []Effect {
	switch ev := ev.(type) {
	case Submit:
		return s.handleSubmit(ev)
	case FileSelected:
		return []Effect{PrepareFile{Path: ev.Path}}
	case FilePrepared:
		return s.handleFilePrepared(ev)
	case FileRejected:
		s.appendSystem(ev.Err.Error())
		return nil
	case Opened:
		return s.handleOpened(ev)
	case Received:
		return s.handleReceived(ev)
	case Closed:
		return s.handleClosed(ev)
	default:
		return nil
	}
}

func (s *Session) handleSubmit(ev Submit) []Effect {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil
	}
	env := protocol.NewTextEnvelope(text)
	data, err := env.Encode(s.cfg.PayloadField)
	if err != nil {
		s.appendSystem(fmt.Sprintf("Could not send message: %v", err))
		return nil
	}

	mark := len(s.items)
	s.appendItem(protocol.RoleUser, ItemRevealed, text)
	s.appendPlaceholder()
	return append([]Effect{ClearInput{}}, s.dispatch(data, mark)...)
}

func (s *Session) handleFilePrepared(ev FilePrepared) []Effect {
	env := protocol.Envelope{Type: protocol.EnvelopeFile, Filename: ev.Name, Payload: ev.Payload}
	data, err := env.Encode(s.cfg.PayloadField)
	if err != nil {
		s.appendSystem(fmt.Sprintf("Could not upload %s: %v", ev.Name, err))
		return nil
	}

	mark := len(s.items)
	s.appendItem(protocol.RoleUser, ItemRevealed, fmt.Sprintf("📎 %s uploading...", ev.Name))
	s.appendPlaceholder()
	return s.dispatch(data, mark)
}

// dispatch sends data now, or queues it as the on-open continuation and
// dials when there is no connection yet. mark is the index of the user item
// that goes with data.
func (s *Session) dispatch(data []byte, mark int) []Effect {
	switch s.state {
	case ConnOpen:
		return []Effect{Send{Gen: s.gen, Conn: s.conn, Data: data}}
	case ConnConnecting:
		s.queue = append(s.queue, data)
		return nil
	default:
		s.gen++
		s.state = ConnConnecting
		s.queue = [][]byte{data}
		s.dialAt = mark
		return []Effect{Dial{Gen: s.gen, URL: s.cfg.Endpoint}}
	}
}

func (s *Session) handleOpened(ev Opened) []Effect {
	if ev.Gen != s.gen || s.state != ConnConnecting {
		return []Effect{Close{Conn: ev.Conn}}
	}
	s.conn = ev.Conn
	s.state = ConnOpen
	s.touch()
	if s.cfg.FrameMode == protocol.FrameStructured {
		s.insertConnected()
	}

	effects := make([]Effect, 0, len(s.queue))
	for _, data := range s.queue {
		effects = append(effects, Send{Gen: s.gen, Conn: s.conn, Data: data})
	}
	s.queue = nil
	return effects
}

func (s *Session) handleReceived(ev Received) []Effect {
	if ev.Gen != s.gen || s.state != ConnOpen {
		return nil
	}

	frame := protocol.ParseFrame(ev.Payload, s.cfg.FrameMode)
	switch frame.Kind {
	case protocol.FrameEnd:
		conn := s.conn
		s.release()
		return []Effect{Close{Conn: conn}, Persist{Items: s.takeFinished()}}
	case protocol.FrameNotice:
		s.appendSystem(frame.Text)
	case protocol.FrameError:
		s.appendSystem("Error: " + frame.Text)
	default:
		if s.cfg.FrameMode == protocol.FrameStructured {
			s.appendMessage(frame.Text)
		} else {
			s.appendFragment(frame.Text)
		}
	}
	return nil
}

func (s *Session) handleClosed(ev Closed) []Effect {
	if ev.Gen != s.gen || s.state == ConnAbsent {
		return nil
	}
	dropped := len(s.queue)
	s.release()
	if ev.Err != nil {
		msg := fmt.Sprintf("Connection lost: %v", ev.Err)
		if dropped > 0 {
			msg = fmt.Sprintf("Could not connect: %v", ev.Err)
		}
		s.appendSystem(msg)
	}
	return nil
}

// appendFragment grows the reply in flight. The last item is used when it
// is this turn's server item; otherwise a new server item starts.
func (s *Session) appendFragment(text string) {
	last := len(s.items) - 1
	if s.turn != turnIdle && s.turnItem == last {
		it := &s.items[last]
		it.State = ItemRevealed
		it.Content += text
		s.turn = turnRevealed
		s.touch()
		return
	}
	s.appendItem(protocol.RoleServer, ItemRevealed, text)
	s.turn = turnRevealed
	s.turnItem = len(s.items) - 1
}

// appendMessage shows a complete structured message. It fills this turn's
// placeholder while that is the pending last item; otherwise the message gets
// an item of its own. A revealed item is never appended to.
func (s *Session) appendMessage(text string) {
	last := len(s.items) - 1
	if s.turn == turnPending && s.turnItem == last {
		it := &s.items[last]
		it.State = ItemRevealed
		it.Content = text
		s.turn = turnRevealed
		s.touch()
		return
	}
	s.appendItem(protocol.RoleServer, ItemRevealed, text)
	s.turn = turnRevealed
	s.turnItem = len(s.items) - 1
}

// insertConnected places a connection notice ahead of the user item that
// triggered the dial, so the reply placeholder stays last.
func (s *Session) insertConnected() {
	at := max(s.dialAt, s.persisted)
	if at > len(s.items) {
		at = len(s.items)
	}
	it := Item{
		ID:        s.cfg.NewID(),
		Role:      protocol.RoleSystem,
		State:     ItemRevealed,
		Content:   "Connected to " + s.cfg.Endpoint,
		CreatedAt: s.cfg.Now(),
	}
	s.items = append(s.items[:at], append([]Item{it}, s.items[at:]...)...)
	if s.turnItem >= at {
		s.turnItem++
	}
	s.touch()
}

func (s *Session) appendPlaceholder() {
	s.appendItem(protocol.RoleServer, ItemPending, "")
	s.turn = turnPending
	s.turnItem = len(s.items) - 1
}

func (s *Session) appendSystem(text string) {
	s.appendItem(protocol.RoleSystem, ItemRevealed, text)
}

func (s *Session) appendItem(role protocol.Role, state ItemState, content string) {
	s.items = append(s.items, Item{
		ID:        s.cfg.NewID(),
		Role:      role,
		State:     state,
		Content:   content,
		CreatedAt: s.cfg.Now(),
	})
	s.touch()
}

// release clears the connection handle and ends the current turn.
func (s *Session) release() {
	s.conn = nil
	s.state = ConnAbsent
	s.queue = nil
	s.turn = turnIdle
	s.touch()
}

func (s *Session) touch() {
	s.revision++
}

// takeFinished returns the visible items added since the previous call.
// Pending placeholders left behind are skipped.
func (s *Session) takeFinished() []Item {
	var out []Item
	for _, it := range s.items[s.persisted:] {
		if it.Visible() {
			out = append(out, it)
		}
	}
	s.persisted = len(s.items)
	return out
}

// Flush returns the visible items not yet handed out by a Persist effect.
// Call it when the session ends.
func (s *Session) Flush() []Item {
	return s.takeFinished()
}

// State returns the lifecycle state of the connection handle.
func (s *Session) State() ConnState {
	return s.state
}

// Conn returns the live connection, or nil.
func (s *Session) Conn() chat.Conn {
	return s.conn
}

// Gen returns the generation of the latest dial.
func (s *Session) Gen() uint64 {
	return s.gen
}

// Items returns a copy of every item, hidden placeholders included.
func (s *Session) Items() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Snapshot is what the UI renders: visible items in order plus the
// connection state. Revision changes on every mutation.
type Snapshot struct {
	Items    []Item
	Conn     ConnState
	Endpoint string
	Revision uint64
}

// Snapshot returns the current render state.
func (s *Session) Snapshot() Snapshot {
	items := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if it.Visible() {
			items = append(items, it)
		}
	}
	return Snapshot{
		Items:    items,
		Conn:     s.state,
		Endpoint: s.cfg.Endpoint,
		Revision: s.revision,
	}
}
