package testdev

import (
	"errors"
	"testing"
	"time"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/format"
)

func testFormat() format.Format {
	return format.Format{SampleFormat: format.S16LE, Rate: 48000, Channels: 2}
}

func TestOpenDevHonoursScriptedError(t *testing.T) {
	d := New(format.Output, 0)
	wantErr := errors.New("injected open failure")
	d.Script(CommandSetOpenError, wantErr)

	if err := d.OpenDev(testFormat()); err != wantErr {
		t.Fatalf("OpenDev = %v, want %v", err, wantErr)
	}

	// The injected error should only fire once.
	if err := d.OpenDev(testFormat()); err != nil {
		t.Fatalf("second OpenDev should succeed, got %v", err)
	}
	if d.RT().State != device.Open {
		t.Errorf("State after successful OpenDev = %v, want Open", d.RT().State)
	}
}

func TestPutBufferAccumulatesQueuedFrames(t *testing.T) {
	d := New(format.Output, 0)
	d.OpenDev(testFormat())
	d.Script(CommandSetQueuedFrames, 0)

	d.PutBuffer(100)
	d.PutBuffer(50)

	frames, _ := d.FramesQueued(time.Now())
	if frames != 150 {
		t.Errorf("FramesQueued after two PutBuffer calls = %d, want 150", frames)
	}
}

func TestPutBufferHonoursScriptedError(t *testing.T) {
	d := New(format.Output, 0)
	d.OpenDev(testFormat())
	wantErr := errors.New("injected write failure")
	d.Script(CommandSetPutBufferError, wantErr)

	if err := d.PutBuffer(10); err != wantErr {
		t.Fatalf("PutBuffer = %v, want %v", err, wantErr)
	}
}

func TestTriggerUnderrunFiresOnce(t *testing.T) {
	d := New(format.Output, 0)
	d.OpenDev(testFormat())
	d.Script(CommandSetQueuedFrames, 480)
	d.Script(CommandTriggerUnderrun, nil)

	frames, _ := d.FramesQueued(time.Now())
	if frames != 0 {
		t.Fatalf("FramesQueued immediately after TriggerUnderrun = %d, want 0", frames)
	}

	frames, _ = d.FramesQueued(time.Now())
	if frames != 480 {
		t.Errorf("FramesQueued on the following observation = %d, want the scripted 480", frames)
	}
}

func TestSetActiveNodeRoundTrip(t *testing.T) {
	d := New(format.Input, 5)
	n := d.Nodes()[0]
	if d.ActiveNode().ID != n.ID {
		t.Fatalf("default active node = %v, want %v", d.ActiveNode().ID, n.ID)
	}
	if err := d.SetActiveNode(n.ID); err != nil {
		t.Errorf("SetActiveNode with the only node's ID should succeed: %v", err)
	}
}

func TestGetBufferFailsWhenUnopened(t *testing.T) {
	d := New(format.Output, 0)
	if _, _, err := d.GetBuffer(10); err == nil {
		t.Error("GetBuffer before OpenDev should fail")
	}
}

func TestVolumeAndMuteAreRecorded(t *testing.T) {
	d := New(format.Output, 0)
	d.SetVolume(42)
	d.SetMute(true)
	d.SetCaptureGain(-500)
	d.SetCaptureMute(true)

	if got := d.LastVolume(); got != 42 {
		t.Errorf("LastVolume() = %d, want 42", got)
	}
	if !d.LastMute() {
		t.Error("LastMute() should be true")
	}
	if got := d.LastCaptureGain(); got != -500 {
		t.Errorf("LastCaptureGain() = %d, want -500", got)
	}
	if !d.LastCaptureMute() {
		t.Error("LastCaptureMute() should be true")
	}
}
