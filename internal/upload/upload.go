// Package upload validates and encodes files picked for upload.
package upload

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/omochice/pdfchat/pkg/protocol"
)

// DefaultMaxSize is the largest file accepted unless configured otherwise.
const DefaultMaxSize int64 = 10 << 20

const mimePDF = "application/pdf"

var (
	ErrNotPDF     = errors.New("only PDF files can be uploaded")
	ErrTooLarge   = errors.New("file is too large")
	ErrUnreadable = errors.New("failed to read file")
)

// File is a validated upload.
type File struct {
	Name    string
	Size    int64
	Payload string
}

// Prepare checks that the file at path is a PDF no larger than maxSize and
// returns its base64 encoding. maxSize <= 0 disables the size check.
func Prepare(path string, maxSize int64) (File, error) {
	name := filepath.Base(path)

	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("%w %s: %w", ErrUnreadable, name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return File{}, fmt.Errorf("%w %s: %w", ErrUnreadable, name, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("%w %s: not a regular file", ErrUnreadable, name)
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("%w %s: %w", ErrUnreadable, name, err)
	}
	if mime := DetectType(head[:n]); mime != mimePDF {
		return File{}, fmt.Errorf("%w: %s is %s", ErrNotPDF, name, mime)
	}

	if maxSize > 0 && info.Size() > maxSize {
		return File{}, fmt.Errorf("%w: %s is %s, the limit is %s",
			ErrTooLarge, name, humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(maxSize)))
	}

	rest, err := readRest(f, maxSize, int64(n))
	if err != nil {
		return File{}, fmt.Errorf("%w %s: %w", ErrUnreadable, name, err)
	}
	data := append(head[:n:n], rest...)
	if maxSize > 0 && int64(len(data)) > maxSize {
		// The file grew after Stat.
		return File{}, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge, name, humanize.IBytes(uint64(maxSize)))
	}

	return File{
		Name:    name,
		Size:    int64(len(data)),
		Payload: protocol.EncodeFileContent(data),
	}, nil
}

func readRest(r io.Reader, maxSize, have int64) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}
	return io.ReadAll(io.LimitReader(r, maxSize-have+1))
}

// DetectType sniffs the MIME type of content.
func DetectType(head []byte) string {
	mime := http.DetectContentType(head)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime
}
