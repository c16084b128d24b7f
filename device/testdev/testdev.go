/*
NAME
  testdev.go

DESCRIPTION
  testdev.go implements a scriptable Device used by tests and by the
  TEST_DEV_COMMAND control message, mirroring CRAS's test_iodev.c: a
  device whose queued-frame depth, underrun behaviour and open/close
  outcomes are driven by explicit commands rather than hardware.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package testdev implements a scriptable Device for exercising the audio
// thread and control-plane logic without real hardware.
package testdev

import (
	"sync"
	"time"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/node"
)

// Command identifies a scripted behaviour change, matching the
// TEST_DEV_COMMAND catalog in spec.md §6.
type Command int

const (
	// CommandSetQueuedFrames sets the value FramesQueued reports, held
	// constant until the next command.
	CommandSetQueuedFrames Command = iota
	// CommandSetOpenError makes the next OpenDev call return the given
	// error, then reverts to succeeding.
	CommandSetOpenError
	// CommandSetPutBufferError makes all PutBuffer calls fail until
	// cleared.
	CommandSetPutBufferError
	// CommandTriggerUnderrun causes the next FramesQueued observation to
	// report zero, simulating an underrun.
	CommandTriggerUnderrun
)

// TestDevice is a Device whose behaviour is entirely driven by Script
// calls, for use in tests and via TEST_DEV_COMMAND.
type TestDevice struct {
	idx  uint32
	dir  format.Direction
	info device.Info
	*device.Runtime

	mu sync.Mutex

	nodes      []*node.Node
	activeNode node.ID

	queuedFrames int
	openErr      error
	putBufferErr error
	underrunOnce bool

	lastVolume      int
	lastMute        bool
	lastCaptureGain int
	lastCaptureMute bool

	lastBuffer []byte // the slice handed out by the most recent GetBuffer call.
}

// New returns an unopened TestDevice with one node.
func New(dir format.Direction, idx uint32) *TestDevice {
	t := &TestDevice{
		idx:     idx,
		dir:     dir,
		Runtime: device.NewRuntime(),
	}
	t.info = device.Info{
		Idx:               idx,
		Name:              "test-device",
		Direction:         dir,
		SupportedRates:    []uint32{44100, 48000},
		SupportedChannels: []uint8{1, 2},
		SupportedFormats:  []format.SampleFormat{format.S16LE},
		BufferSize:        4096,
		MinBufferLevel:    240,
	}
	n := &node.Node{ID: node.NewID(idx, 0), Name: "Test Node"}
	t.nodes = []*node.Node{n}
	t.activeNode = n.ID
	return t
}

// Script applies a scripted Command with an optional argument (frame
// count for CommandSetQueuedFrames, error for the error-injection
// commands; nil clears the injected error).
func (t *TestDevice) Script(cmd Command, arg interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch cmd {
	case CommandSetQueuedFrames:
		t.queuedFrames, _ = arg.(int)
	case CommandSetOpenError:
		t.openErr, _ = arg.(error)
	case CommandSetPutBufferError:
		t.putBufferErr, _ = arg.(error)
	case CommandTriggerUnderrun:
		t.underrunOnce = true
	}
}

func (t *TestDevice) Info() device.Info { return t.info }

func (t *TestDevice) RT() *device.Runtime { return t.Runtime }

func (t *TestDevice) OpenDev(f format.Format) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		err := t.openErr
		t.openErr = nil
		return err
	}
	t.Format = &f
	t.Rate.ResetRate(float64(f.Rate))
	t.State = device.Open
	return nil
}

func (t *TestDevice) CloseDev() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Format = nil
	t.State = device.Close
	return nil
}

func (t *TestDevice) FramesQueued(now time.Time) (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.underrunOnce {
		t.underrunOnce = false
		return 0, now
	}
	return t.queuedFrames, now
}

func (t *TestDevice) DelayFrames() int { return t.info.MinBufferLevel }

func (t *TestDevice) GetBuffer(maxFrames int) ([]byte, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Format == nil {
		return nil, 0, device.NewError(device.DeviceUnavailable, nil)
	}
	frames := t.queuedFrames
	if t.dir == format.Output {
		// Output room is the free space left in the device buffer.
		frames = t.info.BufferSize - t.queuedFrames
	}
	if frames > maxFrames {
		frames = maxFrames
	}
	frameBytes := int(t.Format.Channels) * t.Format.SampleFormat.Bytes()
	buf := make([]byte, frames*frameBytes)
	t.lastBuffer = buf
	return buf, frames, nil
}

func (t *TestDevice) PutBuffer(frames int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.putBufferErr != nil {
		return t.putBufferErr
	}
	t.queuedFrames += frames
	return nil
}

func (t *TestDevice) FlushBuffer() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.queuedFrames
	t.queuedFrames = 0
	return n, nil
}

func (t *TestDevice) Start() error { return nil }

func (t *TestDevice) NoStream(enable bool) error { return nil }

func (t *TestDevice) OutputShouldWake() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queuedFrames < t.info.MinBufferLevel*2
}

func (t *TestDevice) OutputUnderrun() error {
	t.RecordUnderrun(true)
	return nil
}

func (t *TestDevice) UpdateActiveNode(nodeIdx uint32, enabled bool) error { return nil }

func (t *TestDevice) SetVolume(v int) error {
	t.mu.Lock()
	t.lastVolume = v
	t.mu.Unlock()
	return nil
}

func (t *TestDevice) SetMute(m bool) error {
	t.mu.Lock()
	t.lastMute = m
	t.mu.Unlock()
	return nil
}

func (t *TestDevice) SetCaptureGain(c int) error {
	t.mu.Lock()
	t.lastCaptureGain = c
	t.mu.Unlock()
	return nil
}

func (t *TestDevice) SetCaptureMute(m bool) error {
	t.mu.Lock()
	t.lastCaptureMute = m
	t.mu.Unlock()
	return nil
}

func (t *TestDevice) Nodes() []*node.Node { return t.nodes }

func (t *TestDevice) ActiveNode() *node.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.ID == t.activeNode {
			return n
		}
	}
	return t.nodes[0]
}

func (t *TestDevice) SetActiveNode(id node.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.ID == id {
			t.activeNode = id
			return nil
		}
	}
	return device.NewError(device.InvalidArgument, nil)
}

// LastVolume, LastMute, LastCaptureGain and LastCaptureMute let tests
// assert on what the engine last asked of the device.
func (t *TestDevice) LastVolume() int { t.mu.Lock(); defer t.mu.Unlock(); return t.lastVolume }
func (t *TestDevice) LastMute() bool  { t.mu.Lock(); defer t.mu.Unlock(); return t.lastMute }
func (t *TestDevice) LastCaptureGain() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCaptureGain
}
func (t *TestDevice) LastCaptureMute() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCaptureMute
}

// LastBuffer returns the slice most recently handed out by GetBuffer, so
// tests can inspect what the caller wrote into it (e.g. after PutBuffer).
func (t *TestDevice) LastBuffer() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastBuffer
}
