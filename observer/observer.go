/*
NAME
  observer.go

DESCRIPTION
  observer.go implements the observer bus: subsystems publish state-change
  events, and registered clients receive synchronous callbacks on the main
  thread, per spec.md §4.9.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package observer implements the process-wide (but explicitly
// instantiated, never a package-level global) event bus that fans out
// system-state changes to registered subscribers.
package observer

import "github.com/ausocean/crasd/node"

// Event identifies one kind of observable state change, per the catalog
// in spec.md §4.9.
type Event int

const (
	OutputVolumeChanged Event = iota
	OutputMuteChanged
	CaptureGainChanged
	CaptureMuteChanged
	NodesChanged
	ActiveNodeChanged
	OutputNodeVolumeChanged
	NodeLeftRightSwappedChanged
	InputNodeGainChanged
	SuspendChanged
	NumActiveStreamsChanged
)

// MuteState carries the three related flags for an OutputMuteChanged
// event, per spec.md §4.9.
type MuteState struct {
	Muted      bool
	UserMuted  bool
	MuteLocked bool
}

// Payload carries whatever data is relevant to the fired Event; callers
// type-assert the field they expect for that Event kind.
type Payload struct {
	Event    Event
	Volume   int
	Mute     MuteState
	GainCB   int
	Bool     bool
	NodeID   node.ID
	Nodes    []*node.Node
	Count    int
}

// CallbackFunc receives a fired event. Callbacks run synchronously, on
// whatever goroutine calls Bus.Fire — the main thread, per spec.md §5.
type CallbackFunc func(p Payload)

// subscription is a registered client's interest set: which Events it
// wants, keyed so duplicate Register calls for the same event coalesce.
type subscription struct {
	clientID uint32
	events   map[Event]bool
	cb       CallbackFunc
}

// Bus is the observer registry. It is an ordinary object owned by the
// caller (the main thread's server/engine state), not a package-level
// global, per spec.md §9's "no module-level mutability required".
type Bus struct {
	subs map[uint32]*subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint32]*subscription)}
}

// Register adds or updates clientID's interest in ev. do_register=false
// removes it; when a client's full interest set becomes empty its
// subscription is dropped entirely, per spec.md §4.8.
func (b *Bus) Register(clientID uint32, ev Event, register bool, cb CallbackFunc) {
	s, ok := b.subs[clientID]
	if !ok {
		if !register {
			return
		}
		s = &subscription{clientID: clientID, events: make(map[Event]bool), cb: cb}
		b.subs[clientID] = s
	}
	if register {
		s.events[ev] = true
		s.cb = cb
	} else {
		delete(s.events, ev)
		if len(s.events) == 0 {
			delete(b.subs, clientID)
		}
	}
}

// RemoveClient drops every subscription belonging to clientID, called
// when the client disconnects.
func (b *Bus) RemoveClient(clientID uint32) {
	delete(b.subs, clientID)
}

// Fire dispatches p to every client subscribed to p.Event. Duplicate
// fires for the same event/client before the client is serviced are
// permitted to coalesce; this Bus does not itself coalesce (each Fire is
// delivered), matching "only the latest value matters" by virtue of the
// payload always carrying the current value rather than a delta.
func (b *Bus) Fire(p Payload) {
	for _, s := range b.subs {
		if s.events[p.Event] {
			s.cb(p)
		}
	}
}
