package session_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/omochice/pdfchat/internal/chat"
	"github.com/omochice/pdfchat/internal/chat/chattest"
	"github.com/omochice/pdfchat/internal/session"
	"github.com/omochice/pdfchat/pkg/protocol"
)

const endpoint = "ws://localhost:8000/ws"

func newTestSession(t *testing.T, mode protocol.FrameMode) *session.Session {
	t.Helper()
	n := 0
	return session.New(session.Config{
		Endpoint:  endpoint,
		FrameMode: mode,
		Now:       func() time.Time { return time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("item-%d", n)
		},
	})
}

// visible returns role/content pairs of the rendered items.
func visible(s *session.Session) []string {
	var out []string
	for _, it := range s.Snapshot().Items {
		out = append(out, it.Role.String()+":"+it.Content)
	}
	return out
}

func decode(t *testing.T, data []byte) map[string]string {
	t.Helper()
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	return m
}

// open submits text and completes the dial, returning the connection.
func open(t *testing.T, s *session.Session, text string) *chattest.Conn {
	t.Helper()
	effects := s.Handle(session.Submit{Text: text})
	var dial *session.Dial
	for _, e := range effects {
		if d, ok := e.(session.Dial); ok {
			dial = &d
		}
	}
	if dial == nil {
		t.Fatalf("Submit(%q) effects = %#v, want a Dial", text, effects)
	}
	conn := chattest.NewConn("peer")
	s.Handle(session.Opened{Gen: dial.Gen, Conn: conn})
	return conn
}

func TestSubmit_EmptyInputIsDropped(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t "} {
		s := newTestSession(t, protocol.FrameRaw)
		if effects := s.Handle(session.Submit{Text: text}); len(effects) != 0 {
			t.Errorf("Submit(%q) effects = %#v, want none", text, effects)
		}
		if items := s.Items(); len(items) != 0 {
			t.Errorf("Submit(%q) items = %#v, want none", text, items)
		}
		if s.State() != session.ConnAbsent {
			t.Errorf("Submit(%q) state = %v, want absent", text, s.State())
		}
	}
}

func TestSubmit_DialsAndQueuesUntilOpen(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)

	effects := s.Handle(session.Submit{Text: "  hello "})
	want := []session.Effect{session.ClearInput{}, session.Dial{Gen: 1, URL: endpoint}}
	if diff := cmp.Diff(want, effects); diff != "" {
		t.Fatalf("Submit effects mismatch (-want +got):\n%s", diff)
	}
	if s.State() != session.ConnConnecting {
		t.Errorf("state = %v, want connecting", s.State())
	}

	wantItems := []session.Item{
		{ID: "item-1", Role: protocol.RoleUser, State: session.ItemRevealed, Content: "hello"},
		{ID: "item-2", Role: protocol.RoleServer, State: session.ItemPending},
	}
	if diff := cmp.Diff(wantItems, s.Items(), cmpopts.IgnoreFields(session.Item{}, "CreatedAt")); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"USER:hello"}, visible(s)); diff != "" {
		t.Errorf("placeholder must stay hidden (-want +got):\n%s", diff)
	}

	conn := chattest.NewConn("peer")
	effects = s.Handle(session.Opened{Gen: 1, Conn: conn})
	if len(effects) != 1 {
		t.Fatalf("Opened effects = %#v, want one Send", effects)
	}
	send, ok := effects[0].(session.Send)
	if !ok {
		t.Fatalf("Opened effect = %#v, want Send", effects[0])
	}
	if send.Conn != chat.Conn(conn) || send.Gen != 1 {
		t.Errorf("Send = %+v, want conn of generation 1", send)
	}
	if diff := cmp.Diff(map[string]string{"type": "text", "payload": "hello"}, decode(t, send.Data)); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
	if s.State() != session.ConnOpen {
		t.Errorf("state = %v, want open", s.State())
	}
}

func TestSubmit_SendsImmediatelyWhenOpen(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	conn := open(t, s, "first")

	effects := s.Handle(session.Submit{Text: "second"})
	if len(effects) != 2 {
		t.Fatalf("effects = %#v, want ClearInput and Send", effects)
	}
	send, ok := effects[1].(session.Send)
	if !ok || send.Conn != chat.Conn(conn) {
		t.Fatalf("effects[1] = %#v, want Send on the open conn", effects[1])
	}
	if got := decode(t, send.Data)["payload"]; got != "second" {
		t.Errorf("payload = %q, want %q", got, "second")
	}
}

func TestSubmit_WhileConnectingQueuesInOrder(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	s.Handle(session.Submit{Text: "one"})

	effects := s.Handle(session.Submit{Text: "two"})
	if diff := cmp.Diff([]session.Effect{session.ClearInput{}}, effects); diff != "" {
		t.Fatalf("second Submit must not dial again (-want +got):\n%s", diff)
	}

	effects = s.Handle(session.Opened{Gen: 1, Conn: chattest.NewConn("peer")})
	var payloads []string
	for _, e := range effects {
		payloads = append(payloads, decode(t, e.(session.Send).Data)["payload"])
	}
	if diff := cmp.Diff([]string{"one", "two"}, payloads); diff != "" {
		t.Errorf("flush order mismatch (-want +got):\n%s", diff)
	}
}

func TestReceived_FragmentsConcatenate(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	open(t, s, "hi")

	for _, frag := range []string{"Hel", "lo!"} {
		if effects := s.Handle(session.Received{Gen: 1, Payload: frag}); len(effects) != 0 {
			t.Errorf("Received(%q) effects = %#v, want none", frag, effects)
		}
	}

	if diff := cmp.Diff([]string{"USER:hi", "SERVER:Hello!"}, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}
	if n := len(s.Items()); n != 2 {
		t.Errorf("len(Items()) = %d, want 2", n)
	}
}

func TestReceived_EndOfStreamClosesConnection(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	conn := open(t, s, "hi")
	s.Handle(session.Received{Gen: 1, Payload: "Hello!"})

	effects := s.Handle(session.Received{Gen: 1, Payload: protocol.EndOfStream})
	if len(effects) != 2 {
		t.Fatalf("effects = %#v, want Close and Persist", effects)
	}
	if c, ok := effects[0].(session.Close); !ok || c.Conn != chat.Conn(conn) {
		t.Errorf("effects[0] = %#v, want Close of the live conn", effects[0])
	}
	persist, ok := effects[1].(session.Persist)
	if !ok {
		t.Fatalf("effects[1] = %#v, want Persist", effects[1])
	}
	if len(persist.Items) != 2 {
		t.Errorf("persisted %d items, want 2", len(persist.Items))
	}

	if s.State() != session.ConnAbsent || s.Conn() != nil {
		t.Errorf("handle not cleared: state=%v conn=%v", s.State(), s.Conn())
	}
	for _, it := range s.Items() {
		if it.Content == protocol.EndOfStream {
			t.Error("sentinel rendered as content")
		}
	}

	effects = s.Handle(session.Submit{Text: "again"})
	if diff := cmp.Diff([]session.Effect{session.ClearInput{}, session.Dial{Gen: 2, URL: endpoint}}, effects); diff != "" {
		t.Errorf("next send must open a new connection (-want +got):\n%s", diff)
	}
}

func TestReceived_RevealedItemNeverReturnsToPending(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	open(t, s, "q1")
	s.Handle(session.Received{Gen: 1, Payload: "a1"})
	s.Handle(session.Submit{Text: "q2"})
	s.Handle(session.Received{Gen: 1, Payload: "a2"})

	if diff := cmp.Diff([]string{"USER:q1", "SERVER:a1", "USER:q2", "SERVER:a2"}, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}
}

func TestReceived_StructuredNoticeMovesRepliesToNewItems(t *testing.T) {
	s := newTestSession(t, protocol.FrameStructured)
	open(t, s, "upload")

	s.Handle(session.Received{Gen: 1, Payload: `{"type":"file_processed","content":"analysing"}`})
	s.Handle(session.Received{Gen: 1, Payload: `{"type":"message","content":"Hel"}`})
	s.Handle(session.Received{Gen: 1, Payload: `{"type":"message","content":"lo"}`})
	s.Handle(session.Received{Gen: 1, Payload: `{"type":"error","content":"quota"}`})

	want := []string{
		"SYSTEM:Connected to " + endpoint,
		"USER:upload",
		"SYSTEM:analysing",
		"SERVER:Hel",
		"SERVER:lo",
		"SYSTEM:Error: quota",
	}
	if diff := cmp.Diff(want, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}
}

func TestReceived_StructuredMessagesAreSeparateItems(t *testing.T) {
	s := newTestSession(t, protocol.FrameStructured)
	open(t, s, "what is X?")

	s.Handle(session.Received{Gen: 1, Payload: `{"type":"message","content":"Hello! I am the chatbot."}`})
	s.Handle(session.Received{Gen: 1, Payload: `{"type":"message","content":"X is a letter."}`})

	want := []string{
		"SYSTEM:Connected to " + endpoint,
		"USER:what is X?",
		"SERVER:Hello! I am the chatbot.",
		"SERVER:X is a letter.",
	}
	if diff := cmp.Diff(want, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}
	for _, it := range s.Items() {
		if it.State == session.ItemPending {
			t.Errorf("placeholder %s left pending", it.ID)
		}
	}

	// The next turn fills its own placeholder.
	s.Handle(session.Submit{Text: "and Y?"})
	s.Handle(session.Received{Gen: 1, Payload: `{"type":"message","content":"Y is too."}`})
	if got := visible(s); got[len(got)-1] != "SERVER:Y is too." || len(got) != 6 {
		t.Errorf("visible items = %q", got)
	}
}

func TestOpened_ConnectedNoticePrecedesQueuedTurns(t *testing.T) {
	s := newTestSession(t, protocol.FrameStructured)
	s.Handle(session.Submit{Text: "q1"})
	s.Handle(session.Submit{Text: "q2"})
	s.Handle(session.Opened{Gen: 1, Conn: chattest.NewConn("peer")})

	roles := func() []string {
		var out []string
		for _, it := range s.Items() {
			out = append(out, fmt.Sprintf("%s/%t", it.Role, it.Visible()))
		}
		return out
	}
	want := []string{"SYSTEM/true", "USER/true", "SERVER/false", "USER/true", "SERVER/false"}
	if diff := cmp.Diff(want, roles()); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}

	s.Handle(session.Received{Gen: 1, Payload: `{"type":"message","content":"a2"}`})
	if items := s.Items(); items[4].Content != "a2" || items[4].State != session.ItemRevealed {
		t.Errorf("last placeholder = %+v, want revealed a2", items[4])
	}
}

func TestOpened_RawModeHasNoNotice(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	open(t, s, "hi")
	if diff := cmp.Diff([]string{"USER:hi"}, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}
}

func TestStaleGenerationIsIgnored(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	open(t, s, "hi")
	s.Handle(session.Received{Gen: 1, Payload: protocol.EndOfStream})
	s.Handle(session.Submit{Text: "again"})

	before := s.Snapshot()
	if effects := s.Handle(session.Received{Gen: 1, Payload: "late"}); len(effects) != 0 {
		t.Errorf("stale Received effects = %#v", effects)
	}
	if effects := s.Handle(session.Closed{Gen: 1, Err: errors.New("late close")}); len(effects) != 0 {
		t.Errorf("stale Closed effects = %#v", effects)
	}
	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Errorf("stale events mutated state (-before +after):\n%s", diff)
	}
	if s.State() != session.ConnConnecting {
		t.Errorf("state = %v, want connecting", s.State())
	}
}

func TestOpened_StaleConnectionIsClosed(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	s.Handle(session.Submit{Text: "hi"})

	stray := chattest.NewConn("stray")
	effects := s.Handle(session.Opened{Gen: 7, Conn: stray})
	if diff := cmp.Diff([]session.Effect{session.Close{Conn: stray}}, effects, cmp.Comparer(func(a, b chat.Conn) bool { return a == b })); diff != "" {
		t.Errorf("effects mismatch (-want +got):\n%s", diff)
	}
	if s.State() != session.ConnConnecting {
		t.Errorf("state = %v, want connecting", s.State())
	}
}

func TestClosed_ClearsHandleAndReportsTransportError(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	open(t, s, "hi")

	s.Handle(session.Closed{Gen: 1, Err: errors.New("connection reset")})

	if s.State() != session.ConnAbsent || s.Conn() != nil {
		t.Fatalf("handle not cleared: state=%v", s.State())
	}
	if diff := cmp.Diff([]string{"USER:hi", "SYSTEM:Connection lost: connection reset"}, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}

	effects := s.Handle(session.Submit{Text: "retry"})
	if diff := cmp.Diff([]session.Effect{session.ClearInput{}, session.Dial{Gen: 2, URL: endpoint}}, effects); diff != "" {
		t.Errorf("send after close must reopen (-want +got):\n%s", diff)
	}
}

func TestClosed_NormalCloseIsSilent(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	open(t, s, "hi")

	s.Handle(session.Closed{Gen: 1})

	if diff := cmp.Diff([]string{"USER:hi"}, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}
}

func TestClosed_DialFailureDropsQueue(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	s.Handle(session.Submit{Text: "hi"})

	s.Handle(session.Closed{Gen: 1, Err: errors.New("connection refused")})

	if diff := cmp.Diff([]string{"USER:hi", "SYSTEM:Could not connect: connection refused"}, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}
	// A late Opened for the failed generation must not resurrect the queue.
	effects := s.Handle(session.Opened{Gen: 1, Conn: chattest.NewConn("late")})
	if len(effects) != 1 {
		t.Fatalf("effects = %#v, want a single Close", effects)
	}
	if _, ok := effects[0].(session.Close); !ok {
		t.Errorf("effects[0] = %#v, want Close", effects[0])
	}
}

func TestFileFlow(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)

	effects := s.Handle(session.FileSelected{Path: "/tmp/a.pdf"})
	if diff := cmp.Diff([]session.Effect{session.PrepareFile{Path: "/tmp/a.pdf"}}, effects); diff != "" {
		t.Fatalf("FileSelected effects mismatch (-want +got):\n%s", diff)
	}
	if len(s.Items()) != 0 {
		t.Error("FileSelected must not touch the message list")
	}

	effects = s.Handle(session.FilePrepared{Name: "a.pdf", Payload: "JVBERi0="})
	if diff := cmp.Diff([]session.Effect{session.Dial{Gen: 1, URL: endpoint}}, effects); diff != "" {
		t.Fatalf("FilePrepared effects mismatch (-want +got):\n%s", diff)
	}

	effects = s.Handle(session.Opened{Gen: 1, Conn: chattest.NewConn("peer")})
	send := effects[0].(session.Send)
	want := map[string]string{"type": "file", "filename": "a.pdf", "payload": "JVBERi0="}
	if diff := cmp.Diff(want, decode(t, send.Data)); diff != "" {
		t.Errorf("file envelope mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"USER:📎 a.pdf uploading..."}, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}
}

func TestFileRejected_ShowsErrorWithoutNetwork(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)

	effects := s.Handle(session.FileRejected{Name: "notes.txt", Err: errors.New("only PDF files can be uploaded")})
	if len(effects) != 0 {
		t.Errorf("effects = %#v, want none", effects)
	}
	if diff := cmp.Diff([]string{"SYSTEM:only PDF files can be uploaded"}, visible(s)); diff != "" {
		t.Errorf("visible items mismatch (-want +got):\n%s", diff)
	}
	if s.State() != session.ConnAbsent {
		t.Errorf("state = %v, want absent", s.State())
	}
}

func TestLegacyContentField(t *testing.T) {
	s := session.New(session.Config{Endpoint: endpoint, PayloadField: protocol.FieldContent})
	s.Handle(session.Submit{Text: "hello"})

	effects := s.Handle(session.Opened{Gen: 1, Conn: chattest.NewConn("peer")})
	got := decode(t, effects[0].(session.Send).Data)
	if diff := cmp.Diff(map[string]string{"type": "text", "content": "hello"}, got); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestFlush_SkipsHiddenPlaceholdersAndPersistedItems(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	open(t, s, "q1")
	s.Handle(session.Received{Gen: 1, Payload: "a1"})
	s.Handle(session.Received{Gen: 1, Payload: protocol.EndOfStream})

	s.Handle(session.Submit{Text: "q2"})

	var got []string
	for _, it := range s.Flush() {
		got = append(got, it.Content)
	}
	if diff := cmp.Diff([]string{"q2"}, got); diff != "" {
		t.Errorf("Flush() mismatch (-want +got):\n%s", diff)
	}
	if rest := s.Flush(); len(rest) != 0 {
		t.Errorf("second Flush() = %#v, want empty", rest)
	}
}

func TestSnapshot_RevisionAdvancesOnMutation(t *testing.T) {
	s := newTestSession(t, protocol.FrameRaw)
	r0 := s.Snapshot().Revision

	s.Handle(session.Submit{Text: " "})
	if r := s.Snapshot().Revision; r != r0 {
		t.Errorf("dropped submit changed revision %d -> %d", r0, r)
	}

	open(t, s, "hi")
	r1 := s.Snapshot().Revision
	s.Handle(session.Received{Gen: 1, Payload: "x"})
	if r := s.Snapshot().Revision; r <= r1 {
		t.Errorf("fragment did not advance revision: %d -> %d", r1, r)
	}
}

func TestConnState_String(t *testing.T) {
	tests := []struct {
		state session.ConnState
		want  string
	}{
		{session.ConnAbsent, "disconnected"},
		{session.ConnConnecting, "connecting"},
		{session.ConnOpen, "connected"},
		{session.ConnState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnState.String() = %q, want %q", got, tt.want)
		}
	}
}
