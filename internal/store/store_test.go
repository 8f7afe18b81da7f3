package store_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/omochice/pdfchat/internal/store"
	"github.com/omochice/pdfchat/pkg/protocol"
)

func open(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(id string, role protocol.Role, content string, at time.Time) protocol.Record {
	return protocol.Record{ID: id, Role: role, Content: content, CreatedAt: at}
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestStore_AppendLoad(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "db"))

	first := []protocol.Record{
		rec("1", protocol.RoleUser, "hello", t0),
		rec("2", protocol.RoleServer, "Hello!", t0.Add(time.Second)),
	}
	second := []protocol.Record{rec("3", protocol.RoleSystem, "Connection lost", t0.Add(2*time.Second))}

	if err := s.Append("abc", first...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append("abc", second...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.Load("abc")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := append(first, second...)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_SessionsAreIsolated(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "db"))

	_ = s.Append("a", rec("1", protocol.RoleUser, "in a", t0))
	_ = s.Append("ab", rec("2", protocol.RoleUser, "in ab", t0))

	got, err := s.Load("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "in a" {
		t.Errorf("Load(a) = %+v", got)
	}

	empty, err := s.Load("missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("Load(missing) = %+v, want none", empty)
	}
}

func TestStore_SequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	// More than 47 records so a sequence byte equals the key separator.
	for i := 0; i < 60; i++ {
		if err := s.Append("abc", rec("x", protocol.RoleUser, "old", t0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = open(t, path)
	if err := s.Append("abc", rec("y", protocol.RoleServer, "new", t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load("abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 61 {
		t.Fatalf("Load() returned %d records, want 61", len(got))
	}
	if last := got[len(got)-1]; last.Content != "new" {
		t.Errorf("last record = %+v, want the one appended after reopen", last)
	}

	sums, err := s.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].Count != 61 {
		t.Errorf("Sessions() = %+v", sums)
	}
}

func TestStore_Sessions(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "db"))

	_ = s.Append("older", rec("1", protocol.RoleUser, "a", t0))
	_ = s.Append("newer", rec("2", protocol.RoleUser, "b", t0.Add(time.Hour)), rec("3", protocol.RoleServer, "c", t0.Add(2*time.Hour)))

	got, err := s.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	want := []store.Summary{
		{ID: "newer", Count: 2, Updated: t0.Add(2 * time.Hour)},
		{ID: "older", Count: 1, Updated: t0},
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("Sessions() mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_Errors(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "db"))

	if err := s.Append("", rec("1", protocol.RoleUser, "x", t0)); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("Append(empty id) error = %v", err)
	}
	if _, err := s.Load("a/b"); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("Load(a/b) error = %v", err)
	}
	if err := s.Append("abc"); err != nil {
		t.Errorf("Append() with no records error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := s.Append("abc", rec("1", protocol.RoleUser, "x", t0)); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Append() after Close error = %v", err)
	}
	if _, err := s.Sessions(); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Sessions() after Close error = %v", err)
	}
}
