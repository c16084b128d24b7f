/*
NAME
  sysstate.go

DESCRIPTION
  sysstate.go implements SystemState: the main thread's authoritative
  mixer-wide state, and the versioned snapshot clients read from a shared
  region using update_count parity, per spec.md §4.9/§5/§9.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package sysstate implements the versioned system-state snapshot shared
// between the main thread (sole writer) and clients (readers), using
// update_count parity to detect a torn read without locking.
package sysstate

import (
	"sync"
	"sync/atomic"

	"github.com/ausocean/crasd/node"
)

// Snapshot is the full set of fields CRAS exposes to clients as
// read-only system state.
type Snapshot struct {
	OutputVolume      int
	OutputMuted       bool
	OutputUserMuted   bool
	OutputMuteLocked  bool
	CaptureGain       int
	CaptureMuted      bool
	CaptureMuteLocked bool
	Suspended         bool
	NumActiveStreams  int
	Nodes             []node.Node
	ActiveOutputNode  node.ID
	ActiveInputNode   node.ID
}

// State owns the authoritative Snapshot and publishes it with
// update_count parity: odd means a write is in-flight, even means stable.
// Only the main thread calls Update; readers call Read from any
// goroutine (standing in for a separate client process in a real
// deployment, see spec.md §6's "system-state shm fd").
type State struct {
	mu  sync.Mutex // serializes writers; there is only ever one in this engine.
	gen uint64      // update_count.
	cur Snapshot
}

// New returns a State seeded with the given initial snapshot.
func New(initial Snapshot) *State {
	return &State{cur: initial}
}

// Update applies fn to a copy of the current snapshot and publishes the
// result, bracketing the publish with an odd (in-flight) then even
// (stable) update_count as spec.md §5 requires.
func (s *State) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddUint64(&s.gen, 1) // now odd: in-flight.
	next := s.cur
	fn(&next)
	s.cur = next
	atomic.AddUint64(&s.gen, 1) // now even: stable.
}

// Read returns a consistent copy of the current snapshot, retrying if it
// observes an in-flight (odd) generation or a generation change across
// the read, per spec.md §5's parity-retry contract.
func (s *State) Read() Snapshot {
	for {
		g1 := atomic.LoadUint64(&s.gen)
		if g1%2 != 0 {
			continue
		}
		s.mu.Lock()
		snap := s.cur
		s.mu.Unlock()
		g2 := atomic.LoadUint64(&s.gen)
		if g1 == g2 {
			return snap
		}
	}
}

// Generation returns the current update_count, for tests asserting on
// parity behavior.
func (s *State) Generation() uint64 {
	return atomic.LoadUint64(&s.gen)
}
