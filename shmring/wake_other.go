//go:build !linux

/*
NAME
  wake_other.go

DESCRIPTION
  wake_other.go provides a channel-based WakePair fallback for platforms
  without eventfd, mirroring the audio_windows.go pattern in the teacher
  repo: feature parity is not required off Linux, only a non-panicking
  stand-in.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package shmring

// WakePair is a channel-backed substitute for the Linux eventfd pair. It
// has no pollable FD, so callers on this platform must fall back to
// polling on an interval; see audiothread's poll loop.
type WakePair struct {
	ch chan struct{}
}

// NewWakePair creates a buffered-by-one wake source.
func NewWakePair() *WakePair {
	return &WakePair{ch: make(chan struct{}, 1)}
}

// Post signals the wake channel, non-blocking if already signalled.
func (w *WakePair) Post() error {
	select {
	case w.ch <- struct{}{}:
	default:
	}
	return nil
}

// Drain consumes a pending signal, if any.
func (w *WakePair) Drain() error {
	select {
	case <-w.ch:
	default:
	}
	return nil
}

// FD returns -1: there is no pollable descriptor on this platform.
func (w *WakePair) FD() int { return -1 }

// Close is a no-op; the channel is garbage collected with the WakePair.
func (w *WakePair) Close() error { return nil }
