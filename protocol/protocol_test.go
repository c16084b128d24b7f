package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Length: 42, ID: uint32(ConnectStream)}
	buf := EncodeHeader(h)
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeHeaderShortBufferFails(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeHeader on a short buffer should fail")
	}
}

func TestMarshalUnmarshalFixedMessage(t *testing.T) {
	in := &SetSystemVolumeMsg{Volume: 73}
	buf, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out SetSystemVolumeMsg
	if err := Unmarshal(buf, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(*in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalUnmarshalConnectStreamMsg(t *testing.T) {
	in := &ConnectStreamMsg{
		Direction:    0,
		StreamType:   1,
		SampleFormat: 2,
		Rate:         48000,
		Channels:     2,
		BufferFrames: 480,
		CbThreshold:  240,
		PinnedDevice: 3,
		Pinned:       1,
	}
	buf, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out ConnectStreamMsg
	if err := Unmarshal(buf, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(*in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalUnmarshalTestDevCommandMsgWithTail(t *testing.T) {
	in := &TestDevCommandMsg{
		DeviceIdx: 2,
		Command:   1,
		Tail:      []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	buf, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out TestDevCommandMsg
	if err := Unmarshal(buf, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(*in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalUnmarshalConfigGlobalRemixMsgWithTail(t *testing.T) {
	in := &ConfigGlobalRemixMsg{
		NumChannels: 2,
		Tail:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	buf, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out ConfigGlobalRemixMsg
	if err := Unmarshal(buf, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(*in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalUnmarshalGetHotwordModelsReadyMsgEmptyTail(t *testing.T) {
	in := &GetHotwordModelsReadyMsg{}
	buf, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(buf) != 0 {
		t.Errorf("an empty tail should marshal to zero bytes, got %d", len(buf))
	}

	var out GetHotwordModelsReadyMsg
	if err := Unmarshal(buf, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Tail != nil {
		t.Errorf("Tail = %v, want nil for an empty buffer", out.Tail)
	}
}

func TestMarshalUnmarshalGetHotwordModelsReadyMsgNulSeparated(t *testing.T) {
	in := &GetHotwordModelsReadyMsg{Tail: []byte("modelA\x00modelB\x00")}
	buf, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out GetHotwordModelsReadyMsg
	if err := Unmarshal(buf, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(in.Tail, out.Tail); diff != "" {
		t.Errorf("tail round trip mismatch (-want +got):\n%s", diff)
	}
}
