package session

import "github.com/omochice/pdfchat/internal/chat"

// Event is an input to the session state machine.
type Event interface{ event() }

// Submit is the user submitting the text input.
type Submit struct{ Text string }

// FileSelected is the user picking a file to upload.
type FileSelected struct{ Path string }

// FilePrepared reports a validated, base64-encoded file ready to send.
type FilePrepared struct {
	Name    string
	Payload string
}

// FileRejected reports a file that failed validation or could not be read.
type FileRejected struct {
	Name string
	Err  error
}

// Opened reports that the dial for generation Gen succeeded.
type Opened struct {
	Gen  uint64
	Conn chat.Conn
}

// Received is one frame read from the connection of generation Gen.
type Received struct {
	Gen     uint64
	Payload string
}

// Closed reports that the connection of generation Gen is gone, or that its
// dial failed. Err is nil for a normal close.
type Closed struct {
	Gen uint64
	Err error
}

func (Submit) event()       {}
func (FileSelected) event() {}
func (FilePrepared) event() {}
func (FileRejected) event() {}
func (Opened) event()       {}
func (Received) event()     {}
func (Closed) event()       {}

// Effect is work the session asks its driver to perform.
type Effect interface{ effect() }

// Dial asks for a connection to URL, tagged with generation Gen.
type Dial struct {
	Gen uint64
	URL string
}

// Send asks for Data to be written on Conn.
type Send struct {
	Gen  uint64
	Conn chat.Conn
	Data []byte
}

// Close asks for Conn to be closed.
type Close struct{ Conn chat.Conn }

// PrepareFile asks for the file at Path to be validated and encoded.
type PrepareFile struct{ Path string }

// ClearInput asks the UI to empty its text input.
type ClearInput struct{}

// Persist hands finished items to storage.
type Persist struct{ Items []Item }

func (Dial) effect()        {}
func (Send) effect()        {}
func (Close) effect()       {}
func (PrepareFile) effect() {}
func (ClearInput) effect()  {}
func (Persist) effect()     {}
