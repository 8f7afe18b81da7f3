package tui

import (
	"fmt"
	"io"

	"github.com/omochice/pdfchat/internal/session"
)

// Printer writes snapshots to a line-oriented terminal. Each item is
// printed once; text appended to an item later is printed as it arrives.
type Printer struct {
	w       io.Writer
	printed map[string]int
	last    string
	open    bool
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, printed: make(map[string]int)}
}

// Print writes whatever snap adds to the previous snapshots.
func (p *Printer) Print(snap session.Snapshot) {
	for _, it := range snap.Items {
		if !it.Visible() {
			continue
		}
		n, seen := p.printed[it.ID]
		switch {
		case !seen:
			p.endLine()
			fmt.Fprintf(p.w, "%s: %s", label(it.Role), it.Content)
		case len(it.Content) > n:
			if p.last != it.ID {
				p.endLine()
				fmt.Fprintf(p.w, "%s (cont.): ", label(it.Role))
			}
			io.WriteString(p.w, it.Content[n:])
		default:
			continue
		}
		p.printed[it.ID] = len(it.Content)
		p.last = it.ID
		p.open = true
	}
	if snap.Conn == session.ConnAbsent {
		p.endLine()
	}
}

func (p *Printer) endLine() {
	if p.open {
		io.WriteString(p.w, "\n")
		p.open = false
	}
}
