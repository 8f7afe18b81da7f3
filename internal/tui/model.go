// Package tui is the terminal interface for a chat session.
package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"github.com/omochice/pdfchat/internal/client"
	"github.com/omochice/pdfchat/internal/session"
)

const (
	defaultMaxInputHeight = 5
	statusHeight          = 1
)

// Runner is the part of client.Client the interface drives.
type Runner interface {
	Submit(text string) error
	SelectFile(path string) error
	Updates() <-chan client.Update
}

// Options configures the interface.
type Options struct {
	MaxInputHeight int
	DropDir        string
}

type (
	updateMsg client.Update
	closedMsg struct{}
)

func waitForUpdate(ch <-chan client.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return updateMsg(u)
	}
}

// Model is the bubbletea model for a chat session.
type Model struct {
	runner   Runner
	opts     Options
	styles   styles
	viewport viewport.Model
	input    textarea.Model
	snapshot session.Snapshot
	notice   string
	width    int
	height   int
}

// New creates a Model bound to runner.
func New(runner Runner, opts Options) *Model {
	if opts.MaxInputHeight <= 0 {
		opts.MaxInputHeight = defaultMaxInputHeight
	}

	input := textarea.New()
	input.Placeholder = "Ask about your PDF, or /upload <path>"
	input.ShowLineNumbers = false
	input.CharLimit = 0
	input.MaxHeight = opts.MaxInputHeight
	input.SetHeight(1)
	input.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter", "ctrl+j"))
	input.Focus()

	return &Model{
		runner:   runner,
		opts:     opts,
		styles:   defaultStyles(),
		viewport: viewport.New(80, 20),
		input:    input,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForUpdate(m.runner.Updates()))
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.SetWidth(msg.Width)
		m.layout()
		m.refresh()
		return m, nil

	case updateMsg:
		m.snapshot = msg.Snapshot
		m.refresh()
		return m, waitForUpdate(m.runner.Updates())

	case closedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case "enter":
		return m, m.submit()
	}

	if msg.Paste {
		if path, ok := PastedPath(string(msg.Runes)); ok {
			m.selectFile(path)
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.adjustInputHeight()
	return m, cmd
}

// submit routes the input to a slash command or the runner. Accepted text
// leaves the input at once, so a second Enter cannot resend it.
func (m *Model) submit() tea.Cmd {
	raw := m.input.Value()
	m.notice = ""

	if cmd, ok := ParseCommand(raw); ok {
		m.input.Reset()
		m.adjustInputHeight()
		switch cmd.Name {
		case "quit":
			return tea.Quit
		case "upload":
			if cmd.Arg == "" {
				m.notice = uploadUsage
				break
			}
			m.selectFile(cmd.Arg)
		}
		m.refresh()
		return nil
	}

	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := m.runner.Submit(raw); err != nil {
		log.Warn().Err(err).Msg("[tui] submit failed")
		return quitIfClosed(err)
	}
	m.input.Reset()
	m.adjustInputHeight()
	return nil
}

func (m *Model) selectFile(path string) {
	if err := m.runner.SelectFile(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("[tui] select file failed")
	}
}

func quitIfClosed(err error) tea.Cmd {
	if errors.Is(err, client.ErrClosed) {
		return tea.Quit
	}
	return nil
}

// adjustInputHeight grows the input with its content up to the maximum.
func (m *Model) adjustInputHeight() {
	h := min(max(m.input.LineCount(), 1), m.opts.MaxInputHeight)
	if h != m.input.Height() {
		m.input.SetHeight(h)
		m.layout()
	}
}

func (m *Model) layout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-m.input.Height()-statusHeight-1, 1)
}

// refresh re-renders the transcript and scrolls to the newest item.
func (m *Model) refresh() {
	content := renderItems(m.snapshot.Items, m.width, m.styles)
	if m.notice != "" {
		content += "\n" + m.styles.system.Render(m.notice) + "\n"
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

// View implements tea.Model.
func (m *Model) View() string {
	return m.viewport.View() + "\n" +
		renderStatus(m.snapshot, m.opts.DropDir, m.width, m.styles) + "\n" +
		m.input.View()
}

// Run shows the interface until the user quits, ctx is cancelled or the
// runner stops.
func Run(ctx context.Context, runner Runner, opts Options) error {
	p := tea.NewProgram(New(runner, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}
