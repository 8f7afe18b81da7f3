package chat_test

import (
	"testing"

	"github.com/omochice/pdfchat/internal/chat"
	"github.com/omochice/pdfchat/internal/chat/chattest"
)

func TestHub_Register(t *testing.T) {
	hub := chat.NewHub()
	hub.Register(chattest.NewConn("127.0.0.1:1234"))

	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}

func TestHub_Register_MultipleClients(t *testing.T) {
	hub := chat.NewHub()

	for i := 0; i < 3; i++ {
		hub.Register(chattest.NewConn("127.0.0.1:1234"))
	}

	if got := hub.ClientCount(); got != 3 {
		t.Errorf("ClientCount() = %d, want 3", got)
	}
}

func TestHub_Unregister(t *testing.T) {
	hub := chat.NewHub()
	conn := chattest.NewConn("127.0.0.1:1234")

	hub.Register(conn)
	hub.Unregister(conn)

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}

func TestHub_Unregister_Unknown(t *testing.T) {
	hub := chat.NewHub()
	hub.Register(chattest.NewConn("a"))

	hub.Unregister(chattest.NewConn("b"))

	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}

func TestHub_CloseAll(t *testing.T) {
	hub := chat.NewHub()
	a := chattest.NewConn("a")
	b := chattest.NewConn("b")
	hub.Register(a)
	hub.Register(b)

	hub.CloseAll()

	if !a.Closed() || !b.Closed() {
		t.Error("CloseAll() left a connection open")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}
