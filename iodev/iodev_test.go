package iodev

import (
	"errors"
	"testing"
	"time"

	"github.com/ausocean/crasd/device/testdev"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/node"
)

func testFormat() format.Format {
	return format.Format{SampleFormat: format.S16LE, Rate: 48000, Channels: 2}
}

func newListWithFallback(dir format.Direction, fbIdx uint32) *List {
	l := New()
	l.AddFallback(testdev.New(dir, fbIdx))
	return l
}

func TestFallbackStartsEnabled(t *testing.T) {
	l := newListWithFallback(format.Output, 0)
	if !l.IsEnabled(0) {
		t.Error("a freshly added fallback device should start enabled")
	}
}

func TestEnableRealDeviceDisablesFallback(t *testing.T) {
	l := newListWithFallback(format.Output, 0)
	real := testdev.New(format.Output, 2)
	l.Add(real)

	if err := l.Enable(2, testFormat()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !l.IsEnabled(2) {
		t.Error("the real device should be enabled")
	}
	if l.IsEnabled(0) {
		t.Error("the fallback should be disabled once a real device is enabled")
	}
}

func TestDisableLastRealDeviceReenablesFallback(t *testing.T) {
	l := newListWithFallback(format.Output, 0)
	real := testdev.New(format.Output, 2)
	l.Add(real)
	l.Enable(2, testFormat())

	if err := l.Disable(2); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if !l.IsEnabled(0) {
		t.Error("disabling the last real device should re-enable the fallback")
	}
	if l.IsEnabled(2) {
		t.Error("the disabled device should no longer be enabled")
	}
}

func TestEnableOpenFailureSchedulesRetryAndKeepsFallback(t *testing.T) {
	l := newListWithFallback(format.Output, 0)
	real := testdev.New(format.Output, 2)
	real.Script(testdev.CommandSetOpenError, errors.New("no such card"))
	l.Add(real)

	if err := l.Enable(2, testFormat()); err == nil {
		t.Fatal("Enable should surface the open failure")
	}
	if l.IsEnabled(2) {
		t.Error("a device that failed to open must not be marked enabled")
	}
	if !l.IsEnabled(0) {
		t.Error("the fallback must remain enabled after a failed open")
	}
}

func TestCheckRetriesReopensAfterDeadline(t *testing.T) {
	l := newListWithFallback(format.Output, 0)
	real := testdev.New(format.Output, 2)
	real.Script(testdev.CommandSetOpenError, errors.New("transient"))
	l.Add(real)
	l.Enable(2, testFormat())

	// Before the retry deadline, nothing changes.
	l.CheckRetries(time.Now(), testFormat())
	if l.IsEnabled(2) {
		t.Fatal("device should not be enabled before its retry deadline")
	}

	// After the deadline, the retry succeeds because the scripted error
	// only fires once.
	l.CheckRetries(time.Now().Add(2*InitDevDelay), testFormat())
	if !l.IsEnabled(2) {
		t.Error("CheckRetries past the deadline should reopen and enable the device")
	}
}

func TestSelectNodeWithNoNodeFallsBackToEmpty(t *testing.T) {
	l := newListWithFallback(format.Output, 0)
	real := testdev.New(format.Output, 2)
	l.Add(real)
	l.Enable(2, testFormat())

	if err := l.SelectNode(format.Output, node.NoNode, testFormat()); err != nil {
		t.Fatalf("SelectNode(NoNode): %v", err)
	}
	if !l.IsEnabled(0) {
		t.Error("selecting NoNode should leave only the fallback enabled")
	}
	if l.IsEnabled(2) {
		t.Error("selecting NoNode should disable the previously selected real device")
	}
}

func TestSelectNodeUnknownDeviceFails(t *testing.T) {
	l := newListWithFallback(format.Output, 0)
	if err := l.SelectNode(format.Output, node.NewID(99, 0), testFormat()); err == nil {
		t.Error("SelectNode targeting an unregistered device should fail")
	}
}

func TestRemoveDisablesNonFallbackDevice(t *testing.T) {
	l := newListWithFallback(format.Output, 0)
	real := testdev.New(format.Output, 2)
	l.Add(real)
	l.Enable(2, testFormat())

	l.Remove(2)
	if l.Device(2) != nil {
		t.Error("Remove should unregister the device")
	}
	if !l.IsEnabled(0) {
		t.Error("removing the last real device should leave the fallback enabled")
	}
}

func TestEnabledListsOnlyMatchingDirection(t *testing.T) {
	l := New()
	l.AddFallback(testdev.New(format.Output, 0))
	l.AddFallback(testdev.New(format.Input, 1))

	out := l.Enabled(format.Output)
	if len(out) != 1 || out[0] != 0 {
		t.Errorf("Enabled(Output) = %v, want [0]", out)
	}
	in := l.Enabled(format.Input)
	if len(in) != 1 || in[0] != 1 {
		t.Errorf("Enabled(Input) = %v, want [1]", in)
	}
}
