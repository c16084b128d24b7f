package stream

import (
	"testing"

	"github.com/ausocean/crasd/format"
)

func newTestStream(t *testing.T, id ID, clientID uint32) *Stream {
	t.Helper()
	s, err := New(id, clientID, format.Output, TypeDefault, testFormat(), 480, 240, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestListAddAndGet(t *testing.T) {
	l := NewList(nil, nil)
	s := newTestStream(t, 1, 1)
	defer s.Close()

	l.Add(s)
	if got := l.Get(1); got != s {
		t.Errorf("Get(1) = %v, want %v", got, s)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestListAllPreservesInsertionOrder(t *testing.T) {
	l := NewList(nil, nil)
	s1 := newTestStream(t, 1, 1)
	s2 := newTestStream(t, 2, 1)
	s3 := newTestStream(t, 3, 1)
	defer s1.Close()
	defer s2.Close()
	defer s3.Close()

	l.Add(s1)
	l.Add(s2)
	l.Add(s3)

	all := l.All()
	if len(all) != 3 || all[0] != s1 || all[1] != s2 || all[2] != s3 {
		t.Errorf("All() = %v, want [s1 s2 s3] in insertion order", all)
	}
}

func TestListRemoveFiresHookAndDeletes(t *testing.T) {
	var removed *Stream
	l := NewList(nil, func(s *Stream) { removed = s })
	s := newTestStream(t, 1, 1)
	defer s.Close()
	l.Add(s)

	l.Remove(1)
	if removed != s {
		t.Error("Remove should fire the Removed hook with the removed stream")
	}
	if l.Get(1) != nil {
		t.Error("Get after Remove should return nil")
	}
	if l.Len() != 0 {
		t.Errorf("Len() after Remove = %d, want 0", l.Len())
	}
}

func TestListAddFiresAddedHook(t *testing.T) {
	var added *Stream
	l := NewList(func(s *Stream) { added = s }, nil)
	s := newTestStream(t, 1, 1)
	defer s.Close()

	l.Add(s)
	if added != s {
		t.Error("Add should fire the Added hook with the new stream")
	}
}

func TestRemoveByClientRemovesOnlyMatchingStreams(t *testing.T) {
	l := NewList(nil, nil)
	s1 := newTestStream(t, 1, 100)
	s2 := newTestStream(t, 2, 100)
	s3 := newTestStream(t, 3, 200)
	defer s1.Close()
	defer s2.Close()
	defer s3.Close()

	l.Add(s1)
	l.Add(s2)
	l.Add(s3)

	removed := l.RemoveByClient(100)
	if len(removed) != 2 {
		t.Fatalf("RemoveByClient returned %d streams, want 2", len(removed))
	}
	if l.Len() != 1 {
		t.Errorf("Len() after RemoveByClient = %d, want 1", l.Len())
	}
	if l.Get(3) == nil {
		t.Error("the stream belonging to a different client should remain")
	}
}

func TestRemoveUnknownIDIsNoOp(t *testing.T) {
	l := NewList(nil, nil)
	l.Remove(999) // must not panic.
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}
