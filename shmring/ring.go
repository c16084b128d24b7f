/*
NAME
  ring.go

DESCRIPTION
  ring.go provides ShmRing, a lock-free single-producer/single-consumer
  double-buffered audio ring shared between the server and one client.

AUTHORS
  crasd contributors.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package shmring implements the double-buffer SPSC ring (ShmRing) that
// every Stream uses to move PCM frames between a client and the audio
// thread, plus the eventfd-style wake pair used to signal readiness
// without the audio thread blocking on a mutex.
package shmring

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrFrameMismatch describes a ring whose geometry is inconsistent
// (frame_bytes * used_frames != used_size). Nothing in this package
// returns it: New derives used_size from usedFrames*frameBytes.
var ErrFrameMismatch = errors.New("shmring: used_size not a multiple of frame_bytes")

// header mirrors the shared layout described in spec.md §3. Every field the
// producer writes uses atomic stores with release semantics; every field
// the consumer reads on the cross-thread path uses atomic loads with
// acquire semantics. Mute/volume/timestamps are read by both sides and are
// stored atomically too so race detectors stay quiet, even though on amd64
// this is effectively free.
type header struct {
	writeBufIdx int32 // 0 or 1: buffer currently being filled by the producer.
	readBufIdx  int32 // 0 or 1: buffer currently being drained by the consumer.

	writeOffset [2]int32 // bytes written so far into each buffer.
	readOffset  [2]int32 // bytes consumed so far from each buffer.

	tsPerBuffer [2]int64 // monotonic ns timestamp of buffer[i]'s first sample.

	frameBytes int32
	usedSize   int32 // bytes per buffer.

	volumeScaler uint32 // float32 bits; Q?.? scaler applied by the client.
	mute         int32  // 0 or 1.

	callbackPending int32 // 1 while a REQUEST_DATA/DATA_READY round trip is outstanding.
}

// ShmRing is the shared-memory ring between one Stream and the audio
// thread. In this Go port the "shared memory" is a single process-local
// byte slice (two equal buffers back to back); a real deployment maps the
// same bytes into the client's address space via a memfd, but that
// transport detail is the IPC layer's concern, not the engine's (see
// spec.md §1, "Out of scope").
type ShmRing struct {
	hdr  header
	bufs [2][]byte // each of length usedSize.

	wake *WakePair // eventfd-style pair; producer posts, consumer waits.
}

// New allocates a ShmRing sized for usedFrames frames of frameBytes each,
// per buffer (so the ring holds 2*usedFrames frames total, double
// buffered). usedFrames*frameBytes must not overflow int32.
func New(usedFrames int, frameBytes int) (*ShmRing, error) {
	if usedFrames <= 0 || frameBytes <= 0 {
		return nil, errors.New("shmring: usedFrames and frameBytes must be positive")
	}
	usedSize := usedFrames * frameBytes
	r := &ShmRing{
		hdr: header{
			frameBytes: int32(frameBytes),
			usedSize:   int32(usedSize),
		},
		bufs: [2][]byte{make([]byte, usedSize), make([]byte, usedSize)},
		wake: NewWakePair(),
	}
	return r, nil
}

// Close releases the ring's wake pair.
func (r *ShmRing) Close() error { return r.wake.Close() }

// Wake returns the wake pair used to signal readiness across the
// producer/consumer boundary.
func (r *ShmRing) Wake() *WakePair { return r.wake }

// UsedSize returns the per-buffer capacity in bytes.
func (r *ShmRing) UsedSize() int { return int(r.hdr.usedSize) }

// FrameBytes returns the configured frame size in bytes.
func (r *ShmRing) FrameBytes() int { return int(r.hdr.frameBytes) }

// SetVolumeScaler stores the producer-side software volume scaler, read by
// the consumer on its next get/put cycle.
func (r *ShmRing) SetVolumeScaler(v float32) {
	atomic.StoreUint32(&r.hdr.volumeScaler, math.Float32bits(v))
}

// VolumeScaler loads the current volume scaler.
func (r *ShmRing) VolumeScaler() float32 {
	return math.Float32frombits(atomic.LoadUint32(&r.hdr.volumeScaler))
}

// SetMute stores the mute flag.
func (r *ShmRing) SetMute(m bool) {
	var v int32
	if m {
		v = 1
	}
	atomic.StoreInt32(&r.hdr.mute, v)
}

// Mute loads the mute flag.
func (r *ShmRing) Mute() bool { return atomic.LoadInt32(&r.hdr.mute) != 0 }

// ProducerGetWriteBuf returns the slice currently being written into and the
// number of frames still usable in it, bounded by maxFrames.
func (r *ShmRing) ProducerGetWriteBuf(maxFrames int) ([]byte, int) {
	idx := r.hdr.writeBufIdx // producer-owned, no atomic needed for its own index.
	off := atomic.LoadInt32(&r.hdr.writeOffset[idx])
	usedFrames := int(r.hdr.usedSize) / int(r.hdr.frameBytes)
	framesWritten := int(off) / int(r.hdr.frameBytes)
	usable := usedFrames - framesWritten
	if usable > maxFrames {
		usable = maxFrames
	}
	if usable <= 0 {
		return nil, 0
	}
	start := int(off)
	end := start + usable*int(r.hdr.frameBytes)
	return r.bufs[idx][start:end], usable
}

// ProducerCommit advances the write offset of the current write buffer by
// frames and, if the buffer is now full, flips to the other buffer and
// publishes the flip with release ordering so a concurrently-reading
// consumer observes a consistent view.
func (r *ShmRing) ProducerCommit(frames int) {
	idx := r.hdr.writeBufIdx
	newOff := atomic.LoadInt32(&r.hdr.writeOffset[idx]) + int32(frames)*r.hdr.frameBytes
	if newOff > r.hdr.usedSize {
		newOff = r.hdr.usedSize
	}
	atomic.StoreInt32(&r.hdr.writeOffset[idx], newOff)

	if newOff == r.hdr.usedSize {
		next := idx ^ 1
		atomic.StoreInt32(&r.hdr.writeOffset[next], 0)
		// Release: publish the new write_buf_idx only after write_offset[next]
		// is visibly reset, so a consumer that observes the flipped index
		// never sees stale data from a prior cycle in the new write buffer.
		atomic.StoreInt32(&r.hdr.writeBufIdx, next)
	}
}

// ConsumerGetReadBuf returns the currently readable slice of the buffer the
// consumer is draining, with acquire-ordered loads of the producer's
// published indices. It returns (nil, 0) if there is nothing to read yet.
func (r *ShmRing) ConsumerGetReadBuf() ([]byte, int) {
	idx := r.hdr.readBufIdx
	writeBufIdx := atomic.LoadInt32(&r.hdr.writeBufIdx)
	writeOff := atomic.LoadInt32(&r.hdr.writeOffset[idx])
	readOff := atomic.LoadInt32(&r.hdr.readOffset[idx])

	// The read buffer has new data only if the producer has written past our
	// read offset, or has moved on to the other buffer (meaning our buffer
	// was filled to capacity).
	var limit int32
	if writeBufIdx == idx {
		limit = writeOff
	} else {
		limit = r.hdr.usedSize
	}
	if readOff >= limit {
		return nil, 0
	}
	readable := int(limit-readOff) / int(r.hdr.frameBytes)
	if readable <= 0 {
		return nil, 0
	}
	start := int(readOff)
	end := start + readable*int(r.hdr.frameBytes)
	return r.bufs[idx][start:end], readable
}

// ConsumerRelease advances the read offset of the current read buffer by
// frames; if the buffer has been fully drained, flips to the other buffer
// and resets its read offset.
func (r *ShmRing) ConsumerRelease(frames int) {
	idx := r.hdr.readBufIdx
	newOff := atomic.LoadInt32(&r.hdr.readOffset[idx]) + int32(frames)*r.hdr.frameBytes
	if newOff > r.hdr.usedSize {
		newOff = r.hdr.usedSize
	}
	atomic.StoreInt32(&r.hdr.readOffset[idx], newOff)

	if newOff == r.hdr.usedSize {
		next := idx ^ 1
		atomic.StoreInt32(&r.hdr.readOffset[next], 0)
		r.hdr.readBufIdx = next
	}
}

// CurrReadFrames returns a snapshot of the number of frames currently
// available to the consumer, used by the engine to detect over/underrun
// without mutating any state.
func (r *ShmRing) CurrReadFrames() int {
	_, n := r.ConsumerGetReadBuf()
	return n
}

// SetTimestamp records the monotonic instant (nanoseconds) of the first
// sample of the buffer currently being written, for rate-estimation and
// A/V-sync purposes.
func (r *ShmRing) SetTimestamp(ns int64) {
	idx := r.hdr.writeBufIdx
	atomic.StoreInt64(&r.hdr.tsPerBuffer[idx], ns)
}

// SetCallbackPending marks whether a REQUEST_DATA/DATA_READY round trip is
// outstanding for this ring (see spec.md §9, Open Question (i); this
// implementation chooses "overwrite the pending request" — stream.Stream's
// RequestData retargets rather than queues a second one).
func (r *ShmRing) SetCallbackPending(p bool) {
	var v int32
	if p {
		v = 1
	}
	atomic.StoreInt32(&r.hdr.callbackPending, v)
}

// CallbackPending reports whether a fetch/store round trip is outstanding.
func (r *ShmRing) CallbackPending() bool {
	return atomic.LoadInt32(&r.hdr.callbackPending) != 0
}
