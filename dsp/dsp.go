/*
NAME
  dsp.go

DESCRIPTION
  dsp.go defines the pure-function DSP hook boundary the output/input
  pipelines call through; DSP internals (the actual processing chain) are
  out of scope per spec.md §1/§10, but the hook interface that the
  pipeline calls is in scope.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package dsp defines the hook boundary between the mixing pipeline and
// any DSP chain, without implementing DSP itself.
package dsp

import "github.com/ausocean/crasd/format"

// Hook processes samples in place for one device cycle. It must not
// allocate once past the first call for a given format, per the
// realtime-discipline design note in spec.md §9.
type Hook func(samples []byte, f format.Format)

// Chain is an ordered, optional pre/post pair of hooks applied around a
// device's mix or demix step, per spec.md §4.4's put/get buffer
// pipelines.
type Chain struct {
	// Pre runs on the post-mix, pre-DSP samples (the system-loopback tap
	// point).
	Pre Hook
	// Post runs after DSP (a no-op DSP chain makes Pre and Post see the
	// same samples).
	Post Hook
}

// NoopHook is a Hook that performs no processing; used as the default
// Chain for devices configured without a dsp_config entry.
func NoopHook(samples []byte, f format.Format) {}

// NewNoopChain returns a Chain whose Pre and Post are both NoopHook.
func NewNoopChain() Chain {
	return Chain{Pre: NoopHook, Post: NoopHook}
}

// Apply runs h if non-nil, tolerating a Chain built without one side set.
func Apply(h Hook, samples []byte, f format.Format) {
	if h != nil {
		h(samples, f)
	}
}
