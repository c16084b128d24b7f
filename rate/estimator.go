/*
NAME
  estimator.go

DESCRIPTION
  estimator.go implements RateEstimator, a sliding-window EMA estimator of
  an open device's true sample rate derived from queued-frame
  observations, per spec.md §4.2.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package rate implements the sliding-window sample-rate estimator used by
// the audio thread to correct playback scheduling and detect drift.
package rate

import "time"

// Defaults from spec.md §4.2.
const (
	DefaultWindow = 20 * time.Second
	DefaultAlpha  = 0.9
)

// Estimator tracks the EMA of a device's observed sample rate.
//
// Not safe for concurrent use; an Estimator belongs to exactly one device
// and is only ever touched by the audio thread, per spec.md §5.
type Estimator struct {
	window time.Duration
	alpha  float64

	nominal float64 // rate assumed until the first window-worth of data lands.
	rate    float64 // current EMA estimate.

	windowStart  time.Time
	framesInWin  int64
	haveEstimate bool
}

// New returns an Estimator configured with window and alpha. Zero values
// fall back to the spec.md defaults.
func New(window time.Duration, alpha float64) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	return &Estimator{window: window, alpha: alpha}
}

// ResetRate re-seeds the estimator with a device's nominal rate, called on
// device open before any real observations exist.
func (e *Estimator) ResetRate(nominal float64) {
	e.nominal = nominal
	e.rate = nominal
	e.haveEstimate = false
	e.framesInWin = 0
	e.windowStart = time.Time{}
}

// GetRate returns the current best estimate of the device's true sample
// rate: the EMA once a full window has been observed, otherwise the
// nominal rate supplied to ResetRate.
func (e *Estimator) GetRate() float64 {
	if !e.haveEstimate {
		return e.nominal
	}
	return e.rate
}

// Check folds a new observation (delta frames played/captured since the
// last call, at wall-clock instant now) into the estimator. The first
// observation after ResetRate only opens the window at now; its frames
// are not counted, since the instant they started at is unknown.
func (e *Estimator) Check(deltaFrames int, now time.Time) {
	if deltaFrames <= 0 {
		return
	}
	if e.windowStart.IsZero() {
		e.windowStart = now
		e.framesInWin = 0
		return
	}
	e.framesInWin += int64(deltaFrames)

	elapsed := now.Sub(e.windowStart)
	if elapsed < e.window {
		return
	}

	observed := float64(e.framesInWin) / elapsed.Seconds()
	if e.haveEstimate {
		e.rate = e.alpha*e.rate + (1-e.alpha)*observed
	} else {
		e.rate = observed
		e.haveEstimate = true
	}

	e.windowStart = now
	e.framesInWin = 0
}
