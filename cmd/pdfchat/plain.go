package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/omochice/pdfchat/internal/client"
	"github.com/omochice/pdfchat/internal/tui"
)

// chatClient is what the plain loop needs from client.Client.
type chatClient interface {
	tui.Runner
	Close()
}

// runPlain reads lines from in until EOF, /quit or ctx is done, and prints
// the conversation to out.
func runPlain(ctx context.Context, c chatClient, in io.Reader, out io.Writer) error {
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		p := tui.NewPrinter(out)
		for u := range c.Updates() {
			p.Print(u.Snapshot)
		}
	}()
	defer func() {
		c.Close()
		<-printed
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	fmt.Fprintln(out, "Type a question, /upload <path> to send a PDF, or /quit to exit.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(c, line, out); quit {
				return nil
			}
		}
	}
}

func handleLine(c chatClient, line string, out io.Writer) bool {
	var err error
	if cmd, ok := tui.ParseCommand(line); ok {
		switch cmd.Name {
		case "quit":
			return true
		case "upload":
			if cmd.Arg == "" {
				fmt.Fprintln(out, "usage: /upload <path to pdf>")
				return false
			}
			err = c.SelectFile(cmd.Arg)
		}
	} else {
		err = c.Submit(line)
	}
	if err != nil {
		log.Warn().Err(err).Msg("[pdfchat] input dropped")
		return errors.Is(err, client.ErrClosed)
	}
	return false
}
