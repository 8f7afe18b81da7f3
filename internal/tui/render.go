package tui

import (
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/omochice/pdfchat/internal/session"
	"github.com/omochice/pdfchat/pkg/protocol"
)

type styles struct {
	user      lipgloss.Style
	server    lipgloss.Style
	system    lipgloss.Style
	body      lipgloss.Style
	status    lipgloss.Style
	connected lipgloss.Style
	pending   lipgloss.Style
	offline   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		server:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		system:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("203")),
		body:      lipgloss.NewStyle().PaddingLeft(2),
		status:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		connected: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		pending:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		offline:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

func label(role protocol.Role) string {
	switch role {
	case protocol.RoleUser:
		return "You"
	case protocol.RoleServer:
		return "Bot"
	default:
		return "System"
	}
}

// renderItems lays out the visible items for the given width.
func renderItems(items []session.Item, width int, st styles) string {
	if width <= 0 {
		width = 80
	}
	body := st.body.Width(width)

	var b strings.Builder
	for i, it := range items {
		if !it.Visible() {
			continue
		}
		if i > 0 {
			b.WriteString("\n")
		}
		var head lipgloss.Style
		switch it.Role {
		case protocol.RoleUser:
			head = st.user
		case protocol.RoleServer:
			head = st.server
		default:
			head = st.system
		}
		b.WriteString(head.Render(label(it.Role)))
		b.WriteString("\n")
		b.WriteString(body.Render(it.Content))
		b.WriteString("\n")
	}
	return b.String()
}

func renderStatus(snap session.Snapshot, dropDir string, width int, st styles) string {
	var state string
	switch snap.Conn {
	case session.ConnOpen:
		state = st.connected.Render("● " + snap.Conn.String())
	case session.ConnConnecting:
		state = st.pending.Render("● " + snap.Conn.String())
	default:
		state = st.offline.Render("○ " + snap.Conn.String())
	}

	parts := []string{state, hostOf(snap.Endpoint)}
	if dropDir != "" {
		parts = append(parts, "drop: "+dropDir)
	}
	parts = append(parts, "enter send · alt+enter newline · /upload <path> · /quit")
	line := strings.Join(parts, st.status.Render(" · "))
	return lipgloss.NewStyle().MaxWidth(width).Render(line)
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}

// Command is a parsed slash command.
type Command struct {
	Name string
	Arg  string
}

// ParseCommand recognizes /upload and /quit. Other input is a message.
func ParseCommand(raw string) (Command, bool) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "/") {
		return Command{}, false
	}
	name, arg, _ := strings.Cut(s, " ")
	switch name {
	case "/upload":
		return Command{Name: "upload", Arg: unquotePath(strings.TrimSpace(arg))}, true
	case "/quit", "/exit":
		return Command{Name: "quit"}, true
	}
	return Command{}, false
}

// PastedPath reports whether text is the path of an existing regular
// file, as terminals paste it when a file is dropped on the window.
func PastedPath(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if s == "" || strings.ContainsAny(s, "\n\r") {
		return "", false
	}
	path := unquotePath(s)
	if u, err := url.Parse(path); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}

// unquotePath strips shell quoting that terminals add to dropped paths.
func unquotePath(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return strings.ReplaceAll(s, `\ `, " ")
}

const uploadUsage = "usage: /upload <path to pdf>"
