package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FrameMode selects how incoming frames are interpreted.
type FrameMode string

const (
	// FrameRaw treats every frame as a text fragment of the reply.
	FrameRaw FrameMode = "raw"
	// FrameStructured expects {"type": ..., "content": ...} frames, as sent
	// by the first generation of the backend.
	FrameStructured FrameMode = "envelope"
)

// ParseFrameMode validates a configured frame mode. An empty mode selects
// FrameRaw.
func ParseFrameMode(s string) (FrameMode, error) {
	switch FrameMode(strings.TrimSpace(s)) {
	case "", FrameRaw:
		return FrameRaw, nil
	case FrameStructured:
		return FrameStructured, nil
	default:
		return "", fmt.Errorf("unknown frame mode %q", s)
	}
}

// FrameKind classifies an incoming frame.
type FrameKind int

const (
	FrameFragment FrameKind = iota
	FrameEnd
	FrameNotice
	FrameError
)

// String returns the string representation of FrameKind
func (k FrameKind) String() string {
	switch k {
	case FrameFragment:
		return "FRAGMENT"
	case FrameEnd:
		return "END"
	case FrameNotice:
		return "NOTICE"
	case FrameError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Frame is an interpreted peer-to-client frame.
type Frame struct {
	Kind FrameKind
	Text string
}

// ParseFrame interprets raw according to mode. The end-of-stream sentinel
// is recognized in every mode. In structured mode a frame that is not a
// recognizable JSON object falls back to a plain fragment.
func ParseFrame(raw string, mode FrameMode) Frame {
	if raw == EndOfStream {
		return Frame{Kind: FrameEnd}
	}
	if mode != FrameStructured {
		return Frame{Kind: FrameFragment, Text: raw}
	}

	var msg struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Frame{Kind: FrameFragment, Text: raw}
	}
	switch msg.Type {
	case "message":
		return Frame{Kind: FrameFragment, Text: msg.Content}
	case "file_processed":
		return Frame{Kind: FrameNotice, Text: msg.Content}
	case "error":
		return Frame{Kind: FrameError, Text: msg.Content}
	default:
		return Frame{Kind: FrameFragment, Text: raw}
	}
}

// EncodeFrame renders f for a client reading in mode. The sentinel is sent
// bare in every mode.
func EncodeFrame(f Frame, mode FrameMode) ([]byte, error) {
	if f.Kind == FrameEnd {
		return []byte(EndOfStream), nil
	}
	if mode != FrameStructured {
		return []byte(f.Text), nil
	}

	var typ string
	switch f.Kind {
	case FrameFragment:
		typ = "message"
	case FrameNotice:
		typ = "file_processed"
	case FrameError:
		typ = "error"
	default:
		return nil, fmt.Errorf("cannot encode frame kind %v", f.Kind)
	}
	return json.Marshal(struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}{typ, f.Text})
}
