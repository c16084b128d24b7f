package device

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("alsa open failed")
	e := NewError(DeviceUnavailable, cause)
	if got := errors.Unwrap(e); got != cause {
		t.Errorf("Unwrap() = %v, want %v", got, cause)
	}
}

func TestErrorIsMatchesKindNotCause(t *testing.T) {
	e1 := NewError(DeviceBusy, errors.New("cause one"))
	e2 := NewError(DeviceBusy, errors.New("cause two"))
	e3 := NewError(Transient, errors.New("cause one"))

	if !errors.Is(e1, e2) {
		t.Error("errors with the same Kind but different causes should match via Is")
	}
	if errors.Is(e1, e3) {
		t.Error("errors with different Kinds should not match via Is")
	}
}

func TestKindOfUnwrapsWrapped(t *testing.T) {
	inner := NewError(ResourceExhausted, nil)
	wrapped := fmt.Errorf("allocate: %w", inner)
	if got, want := KindOf(wrapped), ResourceExhausted; got != want {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, want)
	}
}

func TestKindOfUncategorisedIsFatal(t *testing.T) {
	if got, want := KindOf(errors.New("boom")), Fatal; got != want {
		t.Errorf("KindOf(plain error) = %v, want %v", got, want)
	}
	if got, want := KindOf(nil), Fatal; got != want {
		t.Errorf("KindOf(nil) = %v, want %v", got, want)
	}
}

func TestErrorStringWithAndWithoutCause(t *testing.T) {
	withCause := NewError(DeviceBusy, errors.New("exclusive lock held"))
	if got, want := withCause.Error(), "device-busy: exclusive lock held"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	noCause := NewError(PeerGone, nil)
	if got, want := noCause.Error(), "peer-gone"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestMultiErrorPanicsWhenEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected MultiError{}.Error() to panic")
		}
	}()
	_ = MultiError{}.Error()
}

func TestMultiErrorFormatsAllCauses(t *testing.T) {
	me := MultiError{errors.New("bad rate"), errors.New("bad channels")}
	s := me.Error()
	if s == "" {
		t.Fatal("expected non-empty error string")
	}
}
