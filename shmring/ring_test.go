package shmring

import "testing"

func TestNewRejectsNonPositiveSizes(t *testing.T) {
	if _, err := New(0, 4); err == nil {
		t.Error("New with zero frames should fail")
	}
	if _, err := New(10, 0); err == nil {
		t.Error("New with zero frame bytes should fail")
	}
}

func TestProducerConsumerRoundTrip(t *testing.T) {
	r, err := New(4, 2) // 4 frames/buffer, 2 bytes/frame.
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	buf, n := r.ProducerGetWriteBuf(4)
	if n != 4 {
		t.Fatalf("ProducerGetWriteBuf = %d frames, want 4", n)
	}
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	r.ProducerCommit(4)

	// Filling the buffer exactly should flip to the other buffer.
	rbuf, rn := r.ConsumerGetReadBuf()
	if rn != 4 {
		t.Fatalf("ConsumerGetReadBuf = %d frames, want 4", rn)
	}
	for i, b := range rbuf {
		if b != byte(i+1) {
			t.Fatalf("byte %d = %d, want %d", i, b, i+1)
		}
	}
	r.ConsumerRelease(4)

	if got := r.CurrReadFrames(); got != 0 {
		t.Errorf("CurrReadFrames after full release = %d, want 0", got)
	}
}

func TestConsumerGetReadBufEmptyInitially(t *testing.T) {
	r, err := New(4, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	buf, n := r.ConsumerGetReadBuf()
	if buf != nil || n != 0 {
		t.Errorf("ConsumerGetReadBuf on a fresh ring = (%v, %d), want (nil, 0)", buf, n)
	}
}

func TestPartialCommitDoesNotFlipBuffer(t *testing.T) {
	r, err := New(4, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	r.ProducerCommit(2) // half the buffer.
	_, n := r.ConsumerGetReadBuf()
	if n != 2 {
		t.Errorf("ConsumerGetReadBuf after partial commit = %d frames, want 2", n)
	}
}

func TestVolumeScalerAndMuteRoundTrip(t *testing.T) {
	r, err := New(4, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	r.SetVolumeScaler(0.75)
	if got, want := r.VolumeScaler(), float32(0.75); got != want {
		t.Errorf("VolumeScaler() = %v, want %v", got, want)
	}

	r.SetMute(true)
	if !r.Mute() {
		t.Error("Mute() should be true after SetMute(true)")
	}
	r.SetMute(false)
	if r.Mute() {
		t.Error("Mute() should be false after SetMute(false)")
	}
}

func TestCallbackPendingRoundTrip(t *testing.T) {
	r, err := New(4, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if r.CallbackPending() {
		t.Error("CallbackPending should start false")
	}
	r.SetCallbackPending(true)
	if !r.CallbackPending() {
		t.Error("CallbackPending should be true after SetCallbackPending(true)")
	}
}

func TestUsedSizeAndFrameBytes(t *testing.T) {
	r, err := New(10, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if got, want := r.UsedSize(), 40; got != want {
		t.Errorf("UsedSize() = %d, want %d", got, want)
	}
	if got, want := r.FrameBytes(), 4; got != want {
		t.Errorf("FrameBytes() = %d, want %d", got, want)
	}
}
