// Package store keeps finished chat items on disk, grouped by session.
//
// Keys are "<session id>/<8-byte big-endian sequence>" so a prefix scan
// returns a session's records in the order they were appended. Values are
// protobuf-encoded protocol.Record messages.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/omochice/pdfchat/pkg/protocol"
)

const sep = '/'

var (
	ErrClosed    = errors.New("store is closed")
	ErrInvalidID = errors.New("invalid session id")
)

// Summary describes one stored session.
type Summary struct {
	ID      string
	Count   int
	Updated time.Time
}

// Store is a pebble-backed record log.
type Store struct {
	mu   sync.Mutex
	db   *pebble.DB
	next map[string]uint64
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("[store] opened")
	return &Store{db: db, next: make(map[string]uint64)}, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	log.Info().Msg("[store] closed")
	return err
}

// Append adds records to the end of the session's log in one batch.
func (s *Store) Append(sessionID string, records ...protocol.Record) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	seq, ok := s.next[sessionID]
	if !ok {
		last, err := s.lastSeq(sessionID)
		if err != nil {
			return err
		}
		seq = last
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, rec := range records {
		data, err := rec.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
		seq++
		if err := batch.Set(key(sessionID, seq), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	s.next[sessionID] = seq

	log.Debug().Str("session", sessionID).Int("records", len(records)).Msg("[store] appended")
	return nil
}

// Load returns every record of the session in append order.
func (s *Store) Load(sessionID string) ([]protocol.Record, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	lower, upper := bounds(sessionID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []protocol.Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec protocol.Record
		if err := rec.Decode(iter.Value()); err != nil {
			return nil, fmt.Errorf("corrupt record %x: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Sessions lists stored sessions, most recently updated first.
func (s *Store) Sessions() ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	iter, err := s.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	byID := make(map[string]*Summary)
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) < 10 || k[len(k)-9] != sep {
			continue
		}
		id := string(k[:len(k)-9])
		sum, ok := byID[id]
		if !ok {
			sum = &Summary{ID: id}
			byID[id] = sum
		}
		sum.Count++

		var rec protocol.Record
		if err := rec.Decode(iter.Value()); err == nil && rec.CreatedAt.After(sum.Updated) {
			sum.Updated = rec.CreatedAt
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Updated.Equal(out[j].Updated) {
			return out[i].Updated.After(out[j].Updated)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// lastSeq returns the highest sequence stored for the session, or 0.
func (s *Store) lastSeq(sessionID string) (uint64, error) {
	lower, upper := bounds(sessionID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	k := iter.Key()
	if len(k) != len(lower)+8 {
		return 0, fmt.Errorf("malformed key %x", k)
	}
	return binary.BigEndian.Uint64(k[len(lower):]), nil
}

func validateID(id string) error {
	if id == "" || strings.ContainsRune(id, sep) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func key(sessionID string, seq uint64) []byte {
	k := make([]byte, 0, len(sessionID)+1+8)
	k = append(k, sessionID...)
	k = append(k, sep)
	return binary.BigEndian.AppendUint64(k, seq)
}

// bounds returns the key range holding every record of the session.
func bounds(sessionID string) (lower, upper []byte) {
	lower = append([]byte(sessionID), sep)
	upper = append([]byte(sessionID), sep+1)
	return lower, upper
}
