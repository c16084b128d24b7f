/*
NAME
  empty.go

DESCRIPTION
  empty.go implements the silence-producing fallback device that always
  exists for each direction, per spec.md §3 and §4.10 ("there is always an
  output fallback and input fallback device").

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package empty implements the fallback device: an always-present device
// that silently discards (output) or silently produces (input) audio when
// no real device is available or none is selected.
package empty

import (
	"time"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/node"
)

// Empty is the fallback device for one direction. Exactly one exists per
// direction, per spec.md §3.
type Empty struct {
	dir  format.Direction
	idx  uint32
	info device.Info
	*device.Runtime

	nodes []*node.Node
}

// New returns an unopened Empty device for dir.
func New(dir format.Direction, idx uint32) *Empty {
	e := &Empty{
		dir:     dir,
		idx:     idx,
		Runtime: device.NewRuntime(),
	}
	e.info = device.Info{
		Idx:               idx,
		Name:              "(default " + dir.String() + ")",
		Direction:         dir,
		SupportedRates:    []uint32{44100, 48000},
		SupportedChannels: []uint8{1, 2},
		SupportedFormats:  []format.SampleFormat{format.S16LE},
		BufferSize:        16384,
		MinBufferLevel:    240,
	}
	n := &node.Node{ID: node.NewID(idx, 0), Name: e.info.Name}
	e.nodes = []*node.Node{n}
	return e
}

func (e *Empty) Info() device.Info { return e.info }

func (e *Empty) RT() *device.Runtime { return e.Runtime }

func (e *Empty) OpenDev(f format.Format) error {
	e.Format = &f
	e.Rate.ResetRate(float64(f.Rate))
	e.State = device.Open
	return nil
}

func (e *Empty) CloseDev() error {
	e.Format = nil
	e.State = device.Close
	return nil
}

func (e *Empty) FramesQueued(now time.Time) (int, time.Time) {
	if e.Format == nil {
		return 0, now
	}
	return e.info.MinBufferLevel, now
}

func (e *Empty) DelayFrames() int { return e.info.MinBufferLevel }

// GetBuffer always has room/data: writes into it are discarded, reads from
// it return zeroed (silent) samples.
func (e *Empty) GetBuffer(maxFrames int) ([]byte, int, error) {
	if e.Format == nil {
		return nil, 0, nil
	}
	frameBytes := int(e.Format.Channels) * e.Format.SampleFormat.Bytes()
	return make([]byte, maxFrames*frameBytes), maxFrames, nil
}

func (e *Empty) PutBuffer(frames int) error { return nil }

func (e *Empty) FlushBuffer() (int, error) { return 0, nil }

func (e *Empty) Start() error { return nil }

func (e *Empty) NoStream(enable bool) error { return nil }

// OutputShouldWake is always true: the fallback device always has "room"
// for more silence, so it never blocks the audio thread's wait.
func (e *Empty) OutputShouldWake() bool { return true }

func (e *Empty) OutputUnderrun() error { return nil }

func (e *Empty) UpdateActiveNode(nodeIdx uint32, enabled bool) error { return nil }

func (e *Empty) SetVolume(v int) error        { return nil }
func (e *Empty) SetMute(m bool) error         { return nil }
func (e *Empty) SetCaptureGain(c int) error   { return nil }
func (e *Empty) SetCaptureMute(m bool) error  { return nil }

func (e *Empty) Nodes() []*node.Node { return e.nodes }
func (e *Empty) ActiveNode() *node.Node { return e.nodes[0] }
func (e *Empty) SetActiveNode(id node.ID) error {
	if id != e.nodes[0].ID {
		return device.NewError(device.InvalidArgument, nil)
	}
	return nil
}
