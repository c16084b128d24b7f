/*
NAME
  wake_linux.go

DESCRIPTION
  wake_linux.go implements WakePair on Linux using a real eventfd pair, the
  same primitive CRAS uses to wake the audio thread without it blocking on
  a mutex held by a client.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package shmring

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// WakePair is an eventfd-backed pair of wake sources: Post() (writer side)
// adds to the kernel counter; FD() (reader side) becomes readable once the
// counter is non-zero, matching the eventfd semantics CRAS relies on to
// integrate the ring into poll().
type WakePair struct {
	fd int
	f  *os.File
}

// NewWakePair creates a new non-blocking eventfd wake source.
func NewWakePair() *WakePair {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		// eventfd creation failing means we've exhausted file descriptors;
		// fall back to a wake source with no fd (FD returns -1, Post and
		// Drain do nothing) so the stream can still be created.
		return &WakePair{fd: -1}
	}
	return &WakePair{fd: fd, f: os.NewFile(uintptr(fd), "eventfd")}
}

// Post increments the eventfd counter by 1, waking anyone blocked in
// poll() on FD().
func (w *WakePair) Post() error {
	if w.fd < 0 {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err == unix.EAGAIN {
		return nil // counter already non-zero; no-op per eventfd semantics.
	}
	return err
}

// Drain reads and resets the eventfd counter. It should be called once per
// wake so the next Post() is observed as a fresh edge.
func (w *WakePair) Drain() error {
	if w.fd < 0 {
		return nil
	}
	var buf [8]byte
	_, err := unix.Read(w.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// FD returns the pollable file descriptor.
func (w *WakePair) FD() int { return w.fd }

// Close releases the underlying eventfd.
func (w *WakePair) Close() error {
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}
