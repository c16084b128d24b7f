/*
NAME
  loopback.go

DESCRIPTION
  loopback.go implements the two loopback capture devices CRAS exposes so
  clients can record the system's own output: one tapping the mixed signal
  before DSP, one after, per spec.md §4.9/§5.1.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package loopback implements the post-mix-pre-dsp and post-dsp loopback
// input devices: virtual capture endpoints fed directly by the audio
// thread's output pipeline rather than by hardware.
package loopback

import (
	"sync"
	"time"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/node"
)

// Loopback is a virtual input device whose samples arrive via Feed rather
// than from hardware.
type Loopback struct {
	dir  format.Direction // always one of the Loopback* directions.
	idx  uint32
	info device.Info
	*device.Runtime

	nodes []*node.Node

	mu  sync.Mutex
	buf []byte // a single cycle's worth of fed samples, overwritten each Feed.
	n   int    // frames currently buffered.
}

// New returns an unopened loopback device of the given loopback direction.
func New(dir format.Direction, idx uint32) *Loopback {
	if !dir.IsLoopback() {
		panic("loopback: direction must be a loopback direction")
	}
	l := &Loopback{
		dir:     dir,
		idx:     idx,
		Runtime: device.NewRuntime(),
	}
	l.info = device.Info{
		Idx:               idx,
		Name:              dir.String(),
		Direction:         dir,
		SupportedRates:    []uint32{44100, 48000},
		SupportedChannels: []uint8{1, 2},
		SupportedFormats:  []format.SampleFormat{format.S16LE},
		BufferSize:        16384,
		MinBufferLevel:    240,
	}
	n := &node.Node{ID: node.NewID(idx, 0), Name: l.info.Name, Type: loopbackNodeType(dir)}
	l.nodes = []*node.Node{n}
	return l
}

func loopbackNodeType(dir format.Direction) node.Type {
	if dir == format.LoopbackPostDsp {
		return node.TypePostDSPLoopback
	}
	return node.TypePostMixLoopback
}

func (l *Loopback) Info() device.Info { return l.info }

func (l *Loopback) RT() *device.Runtime { return l.Runtime }

func (l *Loopback) OpenDev(f format.Format) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Format = &f
	l.Rate.ResetRate(float64(f.Rate))
	l.State = device.Open
	l.n = 0
	return nil
}

func (l *Loopback) CloseDev() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Format = nil
	l.State = device.Close
	return nil
}

// Feed is called once per audio-thread cycle by the mixing pipeline with
// the exact bytes that were sent (or about to be sent, for pre-dsp) to
// real output devices this cycle. A cycle with no attached reader simply
// overwrites the unread buffer, matching real hardware's "you missed it"
// semantics for loopback taps.
func (l *Loopback) Feed(samples []byte, frames int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Format == nil {
		return
	}
	l.buf = append(l.buf[:0], samples...)
	l.n = frames
}

func (l *Loopback) FramesQueued(now time.Time) (int, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n, now
}

func (l *Loopback) DelayFrames() int { return 0 }

func (l *Loopback) GetBuffer(maxFrames int) ([]byte, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == 0 {
		return nil, 0, nil
	}
	frames := l.n
	if frames > maxFrames {
		frames = maxFrames
	}
	frameBytes := int(l.Format.Channels) * l.Format.SampleFormat.Bytes()
	out := make([]byte, frames*frameBytes)
	copy(out, l.buf)
	return out, frames, nil
}

func (l *Loopback) PutBuffer(frames int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n = 0
	return nil
}

func (l *Loopback) FlushBuffer() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.n
	l.n = 0
	return n, nil
}

func (l *Loopback) Start() error                                  { return nil }
func (l *Loopback) NoStream(enable bool) error                    { return nil }
func (l *Loopback) OutputShouldWake() bool                        { return false }
func (l *Loopback) OutputUnderrun() error                         { return nil }
func (l *Loopback) UpdateActiveNode(nodeIdx uint32, enabled bool) error { return nil }
func (l *Loopback) SetVolume(v int) error                         { return nil }
func (l *Loopback) SetMute(m bool) error                          { return nil }
func (l *Loopback) SetCaptureGain(c int) error                    { return nil }
func (l *Loopback) SetCaptureMute(m bool) error                   { return nil }

func (l *Loopback) Nodes() []*node.Node    { return l.nodes }
func (l *Loopback) ActiveNode() *node.Node { return l.nodes[0] }
func (l *Loopback) SetActiveNode(id node.ID) error {
	if id != l.nodes[0].ID {
		return device.NewError(device.InvalidArgument, nil)
	}
	return nil
}
