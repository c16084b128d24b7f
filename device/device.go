/*
NAME
  device.go

DESCRIPTION
  device.go defines the Device interface every concrete I/O device (real
  or loopback/empty/test) implements, and the per-device output/input
  state machine described in spec.md §4.4.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package device defines the Device interface and the shared per-device
// runtime state (state machine, nodes, ramp, rate estimator) that every
// concrete backend (ALSA, loopback, empty, test) is built around.
package device

import (
	"fmt"
	"time"

	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/node"
	"github.com/ausocean/crasd/ramp"
	"github.com/ausocean/crasd/rate"
)

// State is a device's position in the state machine of spec.md §4.4.
type State int

const (
	Close State = iota
	Open
	NormalRun
	NoStreamRun
)

func (s State) String() string {
	switch s {
	case Close:
		return "close"
	case Open:
		return "open"
	case NormalRun:
		return "normal-run"
	case NoStreamRun:
		return "no-stream-run"
	default:
		return "unknown"
	}
}

// DefaultIdleTimeout is how long an output device stays open with no
// attached streams before the engine may close it, per spec.md §4.4.
const DefaultIdleTimeout = 10 * time.Second

// MultiError accumulates independent validation failures, e.g. when a
// device negotiates fallback parameters for several out-of-range config
// fields at once; only the first is fatal to open, the rest are warnings.
type MultiError []error

func (me MultiError) Error() string {
	if len(me) == 0 {
		panic("device: invalid use of MultiError")
	}
	return fmt.Sprintf("%v", []error(me))
}

// Device is the uniform interface every concrete I/O device implements.
// The hot path (GetBuffer/PutBuffer) is called at most once per device per
// audio-thread cycle, so the cost of dynamic dispatch is negligible (see
// spec.md §9).
type Device interface {
	// Info describes the device for node selection and the control plane.
	Info() Info

	// RT returns the device's shared Runtime (state machine, format,
	// ramp, rate estimator), letting audiothread manage the generic
	// state machine uniformly across backends.
	RT() *Runtime

	// OpenDev opens the underlying hardware/virtual resource and prepares
	// it to run at the negotiated format.
	OpenDev(f format.Format) error
	// CloseDev releases the resource. Calling CloseDev on an unopened
	// device is a no-op.
	CloseDev() error

	// FramesQueued reports the hardware-side depth (frames not yet
	// consumed by the hardware, for output; frames not yet collected, for
	// input) along with the wall-clock instant the observation was made.
	FramesQueued(now time.Time) (frames int, ts time.Time)
	// DelayFrames reports the device's total path delay in frames.
	DelayFrames() int

	// GetBuffer returns a byte slice view of the device's buffer capable
	// of holding up to maxFrames frames, and the number of frames the
	// caller may actually use.
	GetBuffer(maxFrames int) (area []byte, frames int, err error)
	// PutBuffer commits frames worth of data written into (output) or read
	// from (input) the slice most recently returned by GetBuffer.
	PutBuffer(frames int) error
	// FlushBuffer drops any queued frames (used by input devices to
	// recover from overrun) and returns how many were dropped.
	FlushBuffer() (int, error)

	// Start is called once, after the first min_cb_level zero-fill, on the
	// Open->NormalRun transition. Devices that don't need an explicit
	// start (e.g. Empty) implement it as a no-op.
	Start() error

	// NoStream toggles whether the device should keep itself fed with
	// silence while no stream is attached (enable=true) or resume normal
	// servicing (enable=false). The default behaviour (keeping the buffer
	// filled to 2*min_cb_level) lives in audiothread; concrete devices
	// only need to implement this if they have a cheaper native way to do
	// it.
	NoStream(enable bool) error

	// OutputShouldWake reports whether an output device needs servicing
	// this poll iteration (new data available to be mixed, or the ramp is
	// in progress).
	OutputShouldWake() bool
	// OutputUnderrun is invoked when the audio thread finds no readable
	// frames for this output device; if the concrete device has a
	// cheaper/better underrun recovery than the generic zero-fill, it
	// implements this.
	OutputUnderrun() error

	// UpdateActiveNode is called whenever a node on this device is
	// enabled or disabled as the active selection.
	UpdateActiveNode(nodeIdx uint32, enabled bool) error

	// SetVolume, SetMute, SetCaptureGain and SetCaptureMute apply hardware
	// volume/mute controls where the device has them. Devices without
	// hardware volume return nil and rely on software volume (see
	// node.Node.SoftwareVolumeNeeded).
	SetVolume(v int) error
	SetMute(m bool) error
	SetCaptureGain(centiDB int) error
	SetCaptureMute(m bool) error

	// NumUnderruns and NumSevereUnderruns are cumulative counters used by
	// the reset path in spec.md §4.10.
	NumUnderruns() int
	NumSevereUnderruns() int

	// Nodes returns the device's selectable endpoints.
	Nodes() []*node.Node
	// ActiveNode returns the currently active node, never nil: every
	// device starts with at least one node.
	ActiveNode() *node.Node
	// SetActiveNode updates which node is considered active; it is the
	// caller's (IoDevList's) responsibility to also call
	// UpdateActiveNode.
	SetActiveNode(id node.ID) error
}

// Info carries the static identity and capability data for a Device.
type Info struct {
	Idx      uint32
	Name     string
	StableID uint32

	Direction format.Direction

	SupportedRates    []uint32
	SupportedChannels []uint8
	SupportedFormats  []format.SampleFormat

	BufferSize     int // hardware frames.
	MinBufferLevel int
}

// Runtime holds the mutable per-device state the audio thread owns
// exclusively (per spec.md §5): state machine position, negotiated
// format, attachment bookkeeping, ramp and rate estimator. Concrete Device
// implementations embed *Runtime so the shared state-machine helpers in
// this package can operate on any backend uniformly.
type Runtime struct {
	State State

	// Format is nil exactly when State == Close (spec.md §3 invariant).
	Format    *format.Format
	ExtFormat *format.Format

	MinCbLevel int
	MaxCbLevel int

	IdleTimeout         time.Duration
	ResetRequestPending bool

	Ramp *ramp.Ramp
	Rate *rate.Estimator

	// LastActivity is updated whenever a stream is attached/detached or
	// servicing occurs; used to drive the NoStreamRun->Close idle timer.
	LastActivity time.Time

	// NumStreams is the count of currently attached DevStreams (kept here
	// rather than forcing every Device implementation to track it).
	NumStreams int

	underruns       int
	severeUnderruns int
}

// NewRuntime returns a Runtime with its Ramp and Rate estimator
// constructed and the idle timeout defaulted per spec.md §4.4.
func NewRuntime() *Runtime {
	return &Runtime{
		IdleTimeout: DefaultIdleTimeout,
		Ramp:        &ramp.Ramp{},
		Rate:        rate.New(0, 0),
	}
}

// RecordUnderrun increments the underrun counters; severe indicates the
// driver flagged this one as irrecoverable within the current cycle.
func (rt *Runtime) RecordUnderrun(severe bool) {
	rt.underruns++
	if severe {
		rt.severeUnderruns++
	}
}

func (rt *Runtime) NumUnderruns() int       { return rt.underruns }
func (rt *Runtime) NumSevereUnderruns() int { return rt.severeUnderruns }
