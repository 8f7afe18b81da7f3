// Package protocol defines the JSON envelopes exchanged with the chat
// backend and the record format used to persist a conversation.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EndOfStream is the frame a peer sends to end its reply. It is never
// displayed.
const EndOfStream = "<EOS>"

// EnvelopeType tags an outgoing envelope.
type EnvelopeType string

const (
	EnvelopeText EnvelopeType = "text"
	EnvelopeFile EnvelopeType = "file"
)

// PayloadField names the JSON field that carries an envelope's body.
// Older backends read "content", newer ones "payload".
type PayloadField string

const (
	FieldPayload PayloadField = "payload"
	FieldContent PayloadField = "content"
)

// ParsePayloadField validates a configured field name. An empty name
// selects FieldPayload.
func ParsePayloadField(s string) (PayloadField, error) {
	switch PayloadField(strings.TrimSpace(s)) {
	case "", FieldPayload:
		return FieldPayload, nil
	case FieldContent:
		return FieldContent, nil
	default:
		return "", fmt.Errorf("unknown payload field %q", s)
	}
}

var (
	ErrUnknownEnvelope = errors.New("unknown envelope type")
	ErrMissingFilename = errors.New("file envelope without filename")
)

// Envelope is one client-to-peer message.
type Envelope struct {
	Type     EnvelopeType
	Filename string
	Payload  string
}

// NewTextEnvelope returns a text envelope carrying s.
func NewTextEnvelope(s string) Envelope {
	return Envelope{Type: EnvelopeText, Payload: s}
}

// NewFileEnvelope returns a file envelope carrying data as base64.
func NewFileEnvelope(name string, data []byte) Envelope {
	return Envelope{Type: EnvelopeFile, Filename: name, Payload: EncodeFileContent(data)}
}

// Encode serializes the envelope as JSON, placing the body under field.
func (e *Envelope) Encode(field PayloadField) ([]byte, error) {
	if field == "" {
		field = FieldPayload
	}
	m := map[string]string{
		"type":        string(e.Type),
		string(field): e.Payload,
	}
	switch e.Type {
	case EnvelopeText:
	case EnvelopeFile:
		if e.Filename == "" {
			return nil, ErrMissingFilename
		}
		m["filename"] = e.Filename
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, e.Type)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a JSON envelope. Both payload field spellings are
// accepted; "payload" wins when both are present.
func (e *Envelope) Decode(data []byte) error {
	var raw struct {
		Type     string  `json:"type"`
		Filename string  `json:"filename"`
		Payload  *string `json:"payload"`
		Content  *string `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	switch EnvelopeType(raw.Type) {
	case EnvelopeText, EnvelopeFile:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEnvelope, raw.Type)
	}
	e.Type = EnvelopeType(raw.Type)
	e.Filename = raw.Filename
	switch {
	case raw.Payload != nil:
		e.Payload = *raw.Payload
	case raw.Content != nil:
		e.Payload = *raw.Content
	default:
		e.Payload = ""
	}
	if e.Type == EnvelopeFile && e.Filename == "" {
		return ErrMissingFilename
	}
	return nil
}

// EncodeFileContent returns data as standard base64 with no data-URL
// header.
func EncodeFileContent(data []byte) string {
	return StripDataURL(base64.StdEncoding.EncodeToString(data))
}

// DecodeFileContent reverses EncodeFileContent. A leading data-URL header
// is tolerated.
func DecodeFileContent(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(StripDataURL(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode file content: %w", err)
	}
	return data, nil
}

// StripDataURL removes a "data:<mime>;base64," prefix if s has one.
func StripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ","); i >= 0 {
		return s[i+1:]
	}
	return s
}
