/*
NAME
  stream.go

DESCRIPTION
  stream.go implements Stream (a client's attached shm ring plus creation
  validation) and DevStream (a stream's per-device attachment cursor),
  per spec.md §4.5.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package stream implements client-attached audio streams (rstreams) and
// their per-device attachment state.
package stream

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/shmring"
)

// Type classifies the purpose of a stream, affecting scheduling priority
// in a full implementation; carried here for protocol fidelity.
type Type int

const (
	TypeDefault Type = iota
	TypeMultimedia
	TypeVoiceCommunication
	TypeAlarm
	TypeAEC
)

func (t Type) valid() bool { return t >= TypeDefault && t <= TypeAEC }

// ID uniquely identifies a stream for its lifetime.
type ID uint32

// Stream is a client-attached audio endpoint: one ShmRing shared with the
// client, plus the bookkeeping the engine needs to mix or demix it.
type Stream struct {
	ID        ID
	ClientID  uint32
	Direction format.Direction
	StreamType Type
	Format    format.Format

	BufferFrames int
	CbThreshold  int

	// PinnedDevice is the device index the stream is pinned to (it never
	// migrates on node selection), per spec.md §8 scenario 5. It is
	// meaningful only when Pinned is true.
	PinnedDevice uint32
	Pinned       bool

	Ring *shmring.ShmRing

	// MasterDevice is the device index currently responsible for driving
	// this stream's fetch cadence; spec.md §4.5.
	MasterDevice   uint32
	HasMaster      bool
	AttachedDevices map[uint32]*DevStream

	LongestFetchInterval time.Duration
	lastFetch            time.Time

	// pendingFetch is true between issuing REQUEST_DATA and receiving
	// DATA_READY; a second REQUEST_DATA while one is pending overwrites
	// rather than queues, resolving spec.md §9 Open Question (i).
	pendingFetch bool
}

// minDurationMs is the creation-time rejection threshold from spec.md
// §4.5 for both buffer_frames and cb_threshold: each must represent more
// than 1ms of audio at the stream's rate.
const minDurationMs = 1.0

// New validates params and allocates a Stream with a backing ShmRing. It
// does not attach the stream to any device.
func New(id ID, clientID uint32, dir format.Direction, st Type, f format.Format, bufferFrames, cbThreshold int, pinnedDevice uint32, pinned bool) (*Stream, error) {
	if err := f.Valid(); err != nil {
		return nil, device.NewError(device.InvalidArgument, err)
	}
	if dir != format.Output && dir != format.Input {
		return nil, device.NewError(device.InvalidArgument, nil)
	}
	if !st.valid() {
		return nil, device.NewError(device.InvalidArgument, nil)
	}
	if f.MsToFrames(minDurationMs) >= bufferFrames {
		return nil, device.NewError(device.InvalidArgument, nil)
	}
	if f.MsToFrames(minDurationMs) >= cbThreshold {
		return nil, device.NewError(device.InvalidArgument, nil)
	}
	if cbThreshold > bufferFrames/2 {
		return nil, device.NewError(device.InvalidArgument, nil)
	}

	ring, err := shmring.New(bufferFrames, f.FrameBytes())
	if err != nil {
		return nil, device.NewError(device.ResourceExhausted, errors.Wrap(err, "stream: allocate shm ring"))
	}

	return &Stream{
		ID:              id,
		ClientID:        clientID,
		Direction:       dir,
		StreamType:      st,
		Format:          f,
		BufferFrames:    bufferFrames,
		CbThreshold:     cbThreshold,
		PinnedDevice:    pinnedDevice,
		Pinned:          pinned,
		Ring:            ring,
		AttachedDevices: make(map[uint32]*DevStream),
	}, nil
}

// Close releases the stream's ShmRing resources (wake fds). Called once
// the stream is fully detached and removed from the StreamList.
func (s *Stream) Close() {
	if s.Ring != nil {
		s.Ring.Close()
	}
}

// Attach records that the stream is now fed by/feeding device devIdx,
// creating a DevStream cursor, and nominates a master if none exists yet.
func (s *Stream) Attach(devIdx uint32) *DevStream {
	ds := &DevStream{Stream: s, DeviceIdx: devIdx}
	s.AttachedDevices[devIdx] = ds
	if !s.HasMaster {
		s.MasterDevice = devIdx
		s.HasMaster = true
	}
	return ds
}

// Detach removes the attachment to devIdx. If devIdx was master, one of
// the still-attached devices (whichever map iteration yields first, so
// the choice is not deterministic) becomes master, or the stream becomes
// orphaned (HasMaster=false) if none remain.
func (s *Stream) Detach(devIdx uint32) {
	delete(s.AttachedDevices, devIdx)
	if s.HasMaster && s.MasterDevice == devIdx {
		s.HasMaster = false
		for other := range s.AttachedDevices {
			s.MasterDevice = other
			s.HasMaster = true
			break
		}
	}
}

// Orphaned reports whether the stream has no attached device and should be
// dropped from active servicing, per spec.md §4.5.
func (s *Stream) Orphaned() bool {
	return len(s.AttachedDevices) == 0
}

// RequestData marks a fetch as outstanding and records the issue time,
// per spec.md §4.5's longest_fetch_interval tracking. Per spec.md §9 Open
// Question (i), issuing a new request while one is pending simply
// overwrites bookkeeping rather than refusing or queuing.
func (s *Stream) RequestData(now time.Time) {
	if !s.lastFetch.IsZero() {
		if d := now.Sub(s.lastFetch); d > s.LongestFetchInterval {
			s.LongestFetchInterval = d
		}
	}
	s.lastFetch = now
	s.pendingFetch = true
}

// DataReady clears the pending-fetch flag; a DATA_READY received for a
// stream with no pending fetch (e.g. after disconnect) is dropped by the
// caller before reaching here.
func (s *Stream) DataReady() {
	s.pendingFetch = false
}

// FetchPending reports whether a REQUEST_DATA is outstanding.
func (s *Stream) FetchPending() bool { return s.pendingFetch }

// DevStream is a stream's attachment cursor on one device: where in the
// stream's ShmRing the device last read/wrote, after rate conversion.
type DevStream struct {
	Stream    *Stream
	DeviceIdx uint32

	// Level tracks this attachment's view of frames available (input) or
	// committed (output); used to decide per-device commit limits during
	// mixing (spec.md §4.7 step 4).
	Level int
}

// FetchOutput pulls up to maxFrames worth of samples from the stream's
// ShmRing for mixing into an output device's buffer. Returns the raw
// little-endian PCM bytes and the frame count actually available.
func (ds *DevStream) FetchOutput(maxFrames int) ([]byte, int) {
	buf, frames := ds.Stream.Ring.ConsumerGetReadBuf()
	if frames > maxFrames {
		frames = maxFrames
	}
	frameBytes := ds.Stream.Format.FrameBytes()
	return buf[:frames*frameBytes], frames
}

// CommitOutput releases frames from the stream's ShmRing after they have
// been mixed into a device buffer.
func (ds *DevStream) CommitOutput(frames int) {
	ds.Stream.Ring.ConsumerRelease(frames)
	ds.Level = 0
}

// DeliverInput writes captured samples into the stream's ShmRing for the
// client to eventually read, returning how many frames actually fit.
func (ds *DevStream) DeliverInput(samples []byte, frames int) int {
	buf, room := ds.Stream.Ring.ProducerGetWriteBuf(frames)
	frameBytes := ds.Stream.Format.FrameBytes()
	if room > frames {
		room = frames
	}
	n := copy(buf, samples[:room*frameBytes])
	committed := n / frameBytes
	ds.Stream.Ring.ProducerCommit(committed)
	ds.Level += committed
	return committed
}
