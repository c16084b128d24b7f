package loopback

import (
	"testing"
	"time"

	"github.com/ausocean/crasd/format"
)

func TestNewPanicsOnNonLoopbackDirection(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New with a non-loopback direction should panic")
		}
	}()
	New(format.Output, 0)
}

func TestFeedThenGetBufferRoundTrip(t *testing.T) {
	l := New(format.LoopbackPostMixPreDsp, 100)
	f := format.Format{SampleFormat: format.S16LE, Rate: 48000, Channels: 2}
	if err := l.OpenDev(f); err != nil {
		t.Fatalf("OpenDev: %v", err)
	}

	samples := make([]byte, 10*f.FrameBytes())
	for i := range samples {
		samples[i] = byte(i)
	}
	l.Feed(samples, 10)

	area, frames, err := l.GetBuffer(100)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if frames != 10 {
		t.Errorf("frames = %d, want 10", frames)
	}
	if len(area) != len(samples) {
		t.Fatalf("area len = %d, want %d", len(area), len(samples))
	}
	for i := range samples {
		if area[i] != samples[i] {
			t.Fatalf("byte %d = %d, want %d", i, area[i], samples[i])
		}
	}
}

func TestGetBufferCapsAtMaxFrames(t *testing.T) {
	l := New(format.LoopbackPostDsp, 101)
	f := format.Format{SampleFormat: format.S16LE, Rate: 48000, Channels: 2}
	l.OpenDev(f)
	l.Feed(make([]byte, 10*f.FrameBytes()), 10)

	_, frames, err := l.GetBuffer(4)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if frames != 4 {
		t.Errorf("frames = %d, want capped 4", frames)
	}
}

func TestFeedOverwritesUnreadBuffer(t *testing.T) {
	l := New(format.LoopbackPostDsp, 101)
	f := format.Format{SampleFormat: format.S16LE, Rate: 48000, Channels: 1}
	l.OpenDev(f)

	l.Feed(make([]byte, 5*f.FrameBytes()), 5)
	l.Feed(make([]byte, 3*f.FrameBytes()), 3)

	_, frames, _ := l.GetBuffer(100)
	if frames != 3 {
		t.Errorf("a second Feed before any read should overwrite, got %d frames, want 3", frames)
	}
}

func TestPutBufferClearsQueuedFrames(t *testing.T) {
	l := New(format.LoopbackPostMixPreDsp, 100)
	f := format.Format{SampleFormat: format.S16LE, Rate: 48000, Channels: 2}
	l.OpenDev(f)
	l.Feed(make([]byte, 10*f.FrameBytes()), 10)

	l.PutBuffer(10)

	frames, _ := l.FramesQueued(time.Now())
	if frames != 0 {
		t.Errorf("FramesQueued after PutBuffer = %d, want 0", frames)
	}
}

func TestOutputShouldWakeAlwaysFalse(t *testing.T) {
	l := New(format.LoopbackPostDsp, 101)
	if l.OutputShouldWake() {
		t.Error("a loopback capture device should never report an output wake")
	}
}
