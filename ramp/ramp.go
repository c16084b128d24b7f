/*
NAME
  ramp.go

DESCRIPTION
  ramp.go implements Ramp, a per-device linear gain envelope used to avoid
  click/pop artifacts across mute/unmute, device switch and first-sample
  transitions, per spec.md §4.3.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package ramp implements the linear gain envelope applied by the audio
// thread's output pipeline.
package ramp

import "time"

// Request identifies the kind of ramp being requested.
type Request int

const (
	// UpUnmute ramps 0->1 over 0.5s. The caller must set the device
	// unmuted before requesting this, so the first ramped samples are near
	// silent rather than full volume.
	UpUnmute Request = iota
	// DownMute ramps current->0 over 0.1s; on completion the caller is
	// expected to engage hardware mute.
	DownMute
	// UpStartPlayback ramps 0->1 over 0.01s on the silence->first-sample
	// transition.
	UpStartPlayback
)

// Durations from spec.md §4.3.
const (
	upUnmuteDuration        = 500 * time.Millisecond
	downMuteDuration        = 100 * time.Millisecond
	upStartPlaybackDuration = 10 * time.Millisecond
)

func (r Request) duration(rate float64) int64 {
	var d time.Duration
	switch r {
	case UpUnmute:
		d = upUnmuteDuration
	case DownMute:
		d = downMuteDuration
	case UpStartPlayback:
		d = upStartPlaybackDuration
	}
	return int64(d.Seconds() * rate)
}

func (r Request) bounds() (start, end float64) {
	switch r {
	case UpUnmute, UpStartPlayback:
		return 0, 1
	case DownMute:
		return 1, 0
	default:
		return 1, 1
	}
}

// Action is the per-cycle ramp state the audio thread samples before
// mixing a device's output buffer.
type Action struct {
	// Active is false when there is no ramp in progress (Ramp.CurrentAction
	// returns the zero Action in that case).
	Active bool
	// Scaler is the gain to apply to the first sample of this cycle.
	Scaler float64
	// Increment is the per-sample delta: s(n) = Scaler + n*Increment.
	Increment float64
}

// CompletionFunc is invoked once, on the audio thread, the cycle a ramp
// finishes.
type CompletionFunc func()

// Ramp is a linear gain envelope belonging to exactly one output device.
// Like Estimator, it is only ever touched by the audio thread.
type Ramp struct {
	req       Request
	active    bool
	totalDur  int64   // total duration in frames.
	doneDur   int64   // frames emitted so far.
	start     float64 // starting scaler.
	end       float64 // ending scaler.
	onDone    CompletionFunc
}

// Request begins a new ramp at the given device sample rate, replacing any
// ramp already in progress. onDone, if non-nil, fires once when the ramp
// completes (see Ramp's doc comment on threading).
func (r *Ramp) Request(req Request, rate float64, onDone CompletionFunc) {
	r.req = req
	r.totalDur = req.duration(rate)
	if r.totalDur <= 0 {
		r.totalDur = 1
	}
	r.doneDur = 0
	r.start, r.end = req.bounds()
	r.onDone = onDone
	r.active = true
}

// CurrentAction returns the gain action to apply for the next N frames,
// where N is whatever the caller intends to emit before calling
// UpdateRampedFrames again. If no ramp is active, Active is false and the
// caller should use a constant (non-ramped) scaler instead.
func (r *Ramp) CurrentAction() Action {
	if !r.active {
		return Action{}
	}
	remaining := r.totalDur - r.doneDur
	if remaining <= 0 {
		return Action{}
	}
	span := r.end - r.start
	scaler := r.start + span*float64(r.doneDur)/float64(r.totalDur)
	increment := span / float64(r.totalDur)
	return Action{Active: true, Scaler: scaler, Increment: increment}
}

// UpdateRampedFrames advances the ramp by n frames just emitted. If the
// ramp's total duration has now been reached, the ramp completes and its
// completion callback, if any, is returned for the caller to invoke.
// audiothread invokes it at once, in the same cycle; the call is not
// deferred to a later cycle.
func (r *Ramp) UpdateRampedFrames(n int) CompletionFunc {
	if !r.active {
		return nil
	}
	r.doneDur += int64(n)
	if r.doneDur >= r.totalDur {
		r.doneDur = r.totalDur
		r.active = false
		cb := r.onDone
		r.onDone = nil
		return cb
	}
	return nil
}

// Active reports whether a ramp is currently in progress.
func (r *Ramp) Active() bool { return r.active }
