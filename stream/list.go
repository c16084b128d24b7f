/*
NAME
  list.go

DESCRIPTION
  list.go implements StreamList, the insertion-ordered collection of all
  attached Streams with add/remove notification hooks, per spec.md §4.6.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package stream

// AddedFunc is called whenever a stream is added to the list.
type AddedFunc func(s *Stream)

// RemovedFunc is called whenever a stream is removed, before it is closed.
type RemovedFunc func(s *Stream)

// List maintains insertion order over the live Streams and notifies
// callers of membership changes, mirroring CRAS's stream_list.
//
// Only the main thread mutates a List; the audio thread only ever
// observes a snapshot handed to it across the command channel (see
// spec.md §5).
type List struct {
	order []ID
	byID  map[ID]*Stream

	Added   AddedFunc
	Removed RemovedFunc
}

// NewList returns an empty List with the given notification hooks, either
// of which may be nil.
func NewList(added AddedFunc, removed RemovedFunc) *List {
	return &List{
		byID:    make(map[ID]*Stream),
		Added:   added,
		Removed: removed,
	}
}

// Add appends s to the list and fires Added.
func (l *List) Add(s *Stream) {
	l.order = append(l.order, s.ID)
	l.byID[s.ID] = s
	if l.Added != nil {
		l.Added(s)
	}
}

// Remove detaches s from the list (if present) and fires Removed before
// the caller closes it.
func (l *List) Remove(id ID) {
	s, ok := l.byID[id]
	if !ok {
		return
	}
	if l.Removed != nil {
		l.Removed(s)
	}
	delete(l.byID, id)
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Get returns the stream with the given ID, or nil.
func (l *List) Get(id ID) *Stream { return l.byID[id] }

// All returns the streams in insertion order. The returned slice is owned
// by the caller and safe to range over even if the List is mutated
// afterwards.
func (l *List) All() []*Stream {
	out := make([]*Stream, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

// Len returns the number of attached streams.
func (l *List) Len() int { return len(l.order) }

// RemoveByClient removes every stream owned by clientID, per spec.md §4.10
// "client socket errors ... remove the client and all its streams", and
// returns the removed streams so the caller can close their rings.
func (l *List) RemoveByClient(clientID uint32) []*Stream {
	var removed []*Stream
	for _, s := range l.All() {
		if s.ClientID == clientID {
			removed = append(removed, s)
		}
	}
	for _, s := range removed {
		l.Remove(s.ID)
	}
	return removed
}
