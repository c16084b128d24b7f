package empty

import (
	"testing"
	"time"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/node"
)

func TestNewIsClosedWithOneNode(t *testing.T) {
	e := New(format.Output, 0)
	if e.RT().State != device.Close {
		t.Errorf("a fresh Empty should start Close, got %v", e.RT().State)
	}
	if len(e.Nodes()) != 1 {
		t.Fatalf("Empty should expose exactly one node, got %d", len(e.Nodes()))
	}
	if e.ActiveNode() != e.Nodes()[0] {
		t.Error("ActiveNode should be the sole node")
	}
}

func TestOpenCloseTransitions(t *testing.T) {
	e := New(format.Input, 1)
	f := format.Format{SampleFormat: format.S16LE, Rate: 48000, Channels: 2}
	if err := e.OpenDev(f); err != nil {
		t.Fatalf("OpenDev: %v", err)
	}
	if e.RT().State != device.Open {
		t.Errorf("State after OpenDev = %v, want Open", e.RT().State)
	}
	if e.RT().Format == nil {
		t.Error("Format should be set after OpenDev")
	}

	if err := e.CloseDev(); err != nil {
		t.Fatalf("CloseDev: %v", err)
	}
	if e.RT().State != device.Close {
		t.Errorf("State after CloseDev = %v, want Close", e.RT().State)
	}
	if e.RT().Format != nil {
		t.Error("Format should be nil after CloseDev")
	}
}

func TestGetBufferAlwaysHasRoom(t *testing.T) {
	e := New(format.Output, 0)
	f := format.Format{SampleFormat: format.S16LE, Rate: 48000, Channels: 2}
	e.OpenDev(f)

	area, frames, err := e.GetBuffer(480)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if frames != 480 {
		t.Errorf("frames = %d, want 480", frames)
	}
	if len(area) != 480*f.FrameBytes() {
		t.Errorf("area len = %d, want %d", len(area), 480*f.FrameBytes())
	}
}

func TestGetBufferBeforeOpenReturnsNothing(t *testing.T) {
	e := New(format.Output, 0)
	area, frames, err := e.GetBuffer(480)
	if err != nil || frames != 0 || area != nil {
		t.Errorf("GetBuffer before OpenDev = (%v, %d, %v), want (nil, 0, nil)", area, frames, err)
	}
}

func TestOutputShouldWakeAlwaysTrue(t *testing.T) {
	e := New(format.Output, 0)
	if !e.OutputShouldWake() {
		t.Error("the fallback device must always report ready to wake")
	}
}

func TestSetActiveNodeRejectsUnknownID(t *testing.T) {
	e := New(format.Output, 0)
	if err := e.SetActiveNode(node.NewID(99, 99)); err == nil {
		t.Error("SetActiveNode with an unknown ID should fail")
	}
	if err := e.SetActiveNode(e.Nodes()[0].ID); err != nil {
		t.Errorf("SetActiveNode with the device's own node ID should succeed, got %v", err)
	}
}

func TestFramesQueuedZeroWhenClosed(t *testing.T) {
	e := New(format.Output, 0)
	frames, _ := e.FramesQueued(time.Now())
	if frames != 0 {
		t.Errorf("FramesQueued on a closed device = %d, want 0", frames)
	}
}
