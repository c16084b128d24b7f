package audiothread

import (
	"bytes"
	"testing"
	"time"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/device/testdev"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/iodev"
	"github.com/ausocean/crasd/stream"
	"github.com/ausocean/utils/logging"
)

func testLogger() logging.Logger {
	return logging.New(logging.Debug, &bytes.Buffer{}, true)
}

func testFormat() format.Format {
	return format.Format{SampleFormat: format.S16LE, Rate: 48000, Channels: 2}
}

func TestMixIntoSumsAndClamps(t *testing.T) {
	dst := make([]byte, 4) // two int16 samples, both zero.
	s1 := int16(20000)
	src1 := []byte{byte(s1), byte(s1 >> 8), byte(s1), byte(s1 >> 8)}
	mixInto(dst, src1, 2, 1)

	got := int16(uint16(dst[0]) | uint16(dst[1])<<8)
	if got != s1 {
		t.Errorf("mixing into silence: got %d, want %d", got, s1)
	}

	// Mixing a second, equally loud source should clamp rather than overflow.
	mixInto(dst, src1, 2, 1)
	got = int16(uint16(dst[0]) | uint16(dst[1])<<8)
	if got != 32767 {
		t.Errorf("clamped sum = %d, want 32767", got)
	}
}

func TestScaleBufferHalvesAmplitude(t *testing.T) {
	s := int16(10000)
	buf := []byte{byte(s), byte(s >> 8)}
	scaleBuffer(buf, 1, 0.5)
	got := int16(uint16(buf[0]) | uint16(buf[1])<<8)
	if got != 5000 {
		t.Errorf("scaleBuffer(0.5) = %d, want 5000", got)
	}
}

func TestScaleBufferIncrementRampsAcrossFrames(t *testing.T) {
	s := int16(10000)
	buf := make([]byte, 4) // two frames, mono.
	for i := 0; i < 2; i++ {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	scaleBufferIncrement(buf, 1, 0.0, 1.0) // frame 0 at gain 0, frame 1 at gain 1.

	f0 := int16(uint16(buf[0]) | uint16(buf[1])<<8)
	f1 := int16(uint16(buf[2]) | uint16(buf[3])<<8)
	if f0 != 0 {
		t.Errorf("frame 0 = %d, want 0 (gain 0)", f0)
	}
	if f1 != s {
		t.Errorf("frame 1 = %d, want %d (gain 1)", f1, s)
	}
}

func newTestAudioThread(t *testing.T) (*AudioThread, *iodev.List, *stream.List) {
	t.Helper()
	devs := iodev.New()
	devs.AddFallback(testdev.New(format.Output, 0))
	streams := stream.NewList(nil, nil)
	at := New(testLogger(), devs, streams)
	return at, devs, streams
}

func TestTransitionOutputOpenToNormalRunOnAttach(t *testing.T) {
	at, devs, streams := newTestAudioThread(t)
	_ = streams
	d := devs.Device(0)
	f := testFormat()
	d.OpenDev(f)
	rt := d.RT()

	s, err := stream.New(1, 1, format.Output, stream.TypeDefault, f, 480, 240, 0, false)
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	defer s.Close()
	ds := s.Attach(0)

	at.transitionOutput(d, rt, 0, []*stream.DevStream{ds}, time.Now())
	if rt.State != device.NormalRun {
		t.Fatalf("State after first attach = %v, want NormalRun", rt.State)
	}
	if !rt.Ramp.Active() {
		t.Error("entering NormalRun from Open should start an UpStartPlayback ramp")
	}
}

func TestTransitionOutputNormalRunToNoStreamRunOnEmpty(t *testing.T) {
	at, devs, _ := newTestAudioThread(t)
	d := devs.Device(0)
	f := testFormat()
	d.OpenDev(f)
	rt := d.RT()
	rt.State = device.NormalRun

	at.transitionOutput(d, rt, 0, nil, time.Now())
	if rt.State != device.NoStreamRun {
		t.Errorf("State = %v, want NoStreamRun when no streams remain attached", rt.State)
	}
}

func TestIdleExpiredRespectsTimeout(t *testing.T) {
	at, devs, _ := newTestAudioThread(t)
	d := devs.Device(0)
	rt := d.RT()
	rt.State = device.NoStreamRun
	rt.IdleTimeout = 10 * time.Millisecond
	rt.LastActivity = time.Now().Add(-5 * time.Millisecond)

	if at.IdleExpired(0, time.Now()) {
		t.Error("IdleExpired should be false before the timeout elapses")
	}
	rt.LastActivity = time.Now().Add(-20 * time.Millisecond)
	if !at.IdleExpired(0, time.Now()) {
		t.Error("IdleExpired should be true once IdleTimeout has elapsed")
	}
}

func TestNoteSevereUnderrunFiresResetAtThreshold(t *testing.T) {
	at, devs, _ := newTestAudioThread(t)
	d := devs.Device(0)
	var resetIdx uint32 = 999
	at.OnReset = func(idx uint32) { resetIdx = idx }

	for i := 0; i < SevereUnderrunResetThreshold-1; i++ {
		at.noteSevereUnderrun(0, d)
		if d.RT().ResetRequestPending {
			t.Fatalf("reset requested too early, after %d severe underruns", i+1)
		}
	}
	at.noteSevereUnderrun(0, d)
	if !d.RT().ResetRequestPending {
		t.Fatal("ResetRequestPending should be set once the threshold is reached")
	}
	if resetIdx != 0 {
		t.Errorf("OnReset called with idx %d, want 0", resetIdx)
	}
}

func TestNoteSevereUnderrunDoesNotRefireWhilePending(t *testing.T) {
	at, devs, _ := newTestAudioThread(t)
	d := devs.Device(0)
	calls := 0
	at.OnReset = func(uint32) { calls++ }

	for i := 0; i < SevereUnderrunResetThreshold; i++ {
		at.noteSevereUnderrun(0, d)
	}
	for i := 0; i < SevereUnderrunResetThreshold; i++ {
		at.noteSevereUnderrun(0, d)
	}
	if calls != 1 {
		t.Errorf("OnReset fired %d times, want exactly 1 while a reset is already pending", calls)
	}
}

func TestMixOutputProducesNonSilentAudio(t *testing.T) {
	at, devs, streams := newTestAudioThread(t)
	real := testdev.New(format.Output, 2)
	devs.Add(real)
	f := testFormat()
	real.OpenDev(f)
	real.Script(testdev.CommandSetQueuedFrames, 0)
	rt := real.RT()
	rt.MinCbLevel = 240

	s, err := stream.New(1, 1, format.Output, stream.TypeDefault, f, 4096, 240, 0, false)
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	defer s.Close()
	streams.Add(s)
	ds := s.Attach(2)

	loud := int16(1000)
	wbuf, n := s.Ring.ProducerGetWriteBuf(100)
	if n == 0 {
		t.Fatal("expected room in the stream ring")
	}
	for i := 0; i+1 < len(wbuf); i += 2 {
		wbuf[i] = byte(loud)
		wbuf[i+1] = byte(loud >> 8)
	}
	s.Ring.ProducerCommit(n)

	at.mixOutput(real, rt, 2, []*stream.DevStream{ds}, 0)

	frames, _ := real.FramesQueued(time.Now())
	if frames == 0 {
		t.Error("mixOutput should have committed frames to the device via PutBuffer")
	}
	area := real.LastBuffer()
	if len(area) < 2 {
		t.Fatalf("mixed area holds %d bytes, want at least one sample", len(area))
	}
	if got := int16(uint16(area[0]) | uint16(area[1])<<8); got != loud {
		t.Errorf("first mixed sample = %d, want %d", got, loud)
	}
}

func TestSwapLeftRightExchangesChannels(t *testing.T) {
	l, r := int16(1000), int16(-2000)
	buf := []byte{byte(l), byte(l >> 8), byte(r), byte(r >> 8)}
	swapLeftRight(buf, 2)
	gotL := int16(uint16(buf[0]) | uint16(buf[1])<<8)
	gotR := int16(uint16(buf[2]) | uint16(buf[3])<<8)
	if gotL != r || gotR != l {
		t.Errorf("swapLeftRight: got L=%d R=%d, want L=%d R=%d", gotL, gotR, r, l)
	}
}

func TestSwapLeftRightNoopBelowStereo(t *testing.T) {
	s := int16(1234)
	buf := []byte{byte(s), byte(s >> 8)}
	swapLeftRight(buf, 1)
	got := int16(uint16(buf[0]) | uint16(buf[1])<<8)
	if got != s {
		t.Errorf("swapLeftRight on mono should be a no-op, got %d want %d", got, s)
	}
}

func TestApplyRemixMatrixSwapsChannels(t *testing.T) {
	l, r := int16(500), int16(-1500)
	buf := []byte{byte(l), byte(l >> 8), byte(r), byte(r >> 8)}
	matrix := []float32{0, 1, 1, 0} // out0 = in1, out1 = in0.
	applyRemixMatrix(buf, 2, matrix)
	gotL := int16(uint16(buf[0]) | uint16(buf[1])<<8)
	gotR := int16(uint16(buf[2]) | uint16(buf[3])<<8)
	if gotL != r || gotR != l {
		t.Errorf("applyRemixMatrix swap: got L=%d R=%d, want L=%d R=%d", gotL, gotR, r, l)
	}
}

func TestApplyRemixMatrixClampsOverflow(t *testing.T) {
	s := int16(30000)
	buf := []byte{byte(s), byte(s >> 8)}
	matrix := []float32{2} // mono gain of 2x overflows int16 range.
	applyRemixMatrix(buf, 1, matrix)
	got := int16(uint16(buf[0]) | uint16(buf[1])<<8)
	if got != 32767 {
		t.Errorf("applyRemixMatrix should clamp, got %d want 32767", got)
	}
}

func TestMixOutputAppliesLeftRightSwapFromActiveNode(t *testing.T) {
	at, devs, streams := newTestAudioThread(t)
	real := testdev.New(format.Output, 2)
	devs.Add(real)
	f := testFormat()
	real.OpenDev(f)
	real.Script(testdev.CommandSetQueuedFrames, 10)
	real.ActiveNode().LeftRightSwapped = true
	rt := real.RT()
	rt.MinCbLevel = 240

	s, err := stream.New(1, 1, format.Output, stream.TypeDefault, f, 4096, 240, 0, false)
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	defer s.Close()
	streams.Add(s)
	ds := s.Attach(2)

	l, r := int16(1000), int16(-4000)
	wbuf, n := s.Ring.ProducerGetWriteBuf(1)
	if n == 0 {
		t.Fatal("expected room in the stream ring")
	}
	wbuf[0], wbuf[1] = byte(l), byte(l>>8)
	wbuf[2], wbuf[3] = byte(r), byte(r>>8)
	s.Ring.ProducerCommit(n)

	at.mixOutput(real, rt, 2, []*stream.DevStream{ds}, 0)

	area := real.LastBuffer()
	if len(area) < 4 {
		t.Fatalf("expected at least one stereo frame written, got %d bytes", len(area))
	}
	gotL := int16(uint16(area[0]) | uint16(area[1])<<8)
	gotR := int16(uint16(area[2]) | uint16(area[3])<<8)
	if gotL != r || gotR != l {
		t.Errorf("left/right should be swapped in the committed output: got L=%d R=%d, want L=%d R=%d", gotL, gotR, r, l)
	}
}

func TestMixOutputAppliesGlobalRemix(t *testing.T) {
	at, devs, streams := newTestAudioThread(t)
	real := testdev.New(format.Output, 2)
	devs.Add(real)
	f := testFormat()
	real.OpenDev(f)
	real.Script(testdev.CommandSetQueuedFrames, 10)
	rt := real.RT()
	rt.MinCbLevel = 240

	at.SetGlobalRemix(2, []float32{0, 1, 1, 0}) // swap L/R via the device-wide converter.

	s, err := stream.New(1, 1, format.Output, stream.TypeDefault, f, 4096, 240, 0, false)
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	defer s.Close()
	streams.Add(s)
	ds := s.Attach(2)

	l, r := int16(1000), int16(-4000)
	wbuf, n := s.Ring.ProducerGetWriteBuf(1)
	if n == 0 {
		t.Fatal("expected room in the stream ring")
	}
	wbuf[0], wbuf[1] = byte(l), byte(l>>8)
	wbuf[2], wbuf[3] = byte(r), byte(r>>8)
	s.Ring.ProducerCommit(n)

	at.mixOutput(real, rt, 2, []*stream.DevStream{ds}, 0)

	area := real.LastBuffer()
	if len(area) < 4 {
		t.Fatalf("expected at least one stereo frame written, got %d bytes", len(area))
	}
	gotL := int16(uint16(area[0]) | uint16(area[1])<<8)
	gotR := int16(uint16(area[2]) | uint16(area[3])<<8)
	if gotL != r || gotR != l {
		t.Errorf("global remix should swap channels in the committed output: got L=%d R=%d, want L=%d R=%d", gotL, gotR, r, l)
	}
}

func TestRunExecutesPostedCommands(t *testing.T) {
	at, _, _ := newTestAudioThread(t)
	go at.Run()

	done := make(chan struct{})
	at.Post(func(a *AudioThread) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted command did not run within 1s")
	}
	at.Stop()
}

func TestSetMutedAndSoftvolScaler(t *testing.T) {
	at, _, _ := newTestAudioThread(t)
	if at.muted(0) {
		t.Error("a device should not be muted by default")
	}
	at.SetMuted(0, true)
	if !at.muted(0) {
		t.Error("SetMuted(true) should be reflected by muted()")
	}

	if got := at.softvolScaler(0); got != 1 {
		t.Errorf("default softvolScaler = %v, want 1", got)
	}
	at.SetSoftvolScaler(0, 0.5)
	if got := at.softvolScaler(0); got != 0.5 {
		t.Errorf("softvolScaler after SetSoftvolScaler = %v, want 0.5", got)
	}
}
