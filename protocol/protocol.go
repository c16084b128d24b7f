/*
NAME
  protocol.go

DESCRIPTION
  protocol.go implements the wire framing and message catalog of spec.md
  §6: a fixed {u32 length; u32 id} header, packed little-endian bodies,
  and the fd-passing rules for CONNECT_STREAM/STREAM_CONNECTED/
  CLIENT_CONNECTED.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package protocol implements the crasd wire protocol: header framing,
// the client<->server message catalog, and the per-stream audio message
// channel.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MaxPayload is the largest message body allowed unless the message
// carries a variable-length tail, per spec.md §6.
const MaxPayload = 256

// ID identifies a message's type; values are stable across protocol
// versions, per spec.md §6.
type ID uint32

// Client -> server message IDs.
const (
	ConnectStream ID = iota + 1
	DisconnectStream
	SetSystemVolume
	SetSystemMute
	SetUserMute
	SetSystemMuteLocked
	SetSystemCaptureGain
	SetSystemCaptureMute
	SetSystemCaptureMuteLocked
	SetNodeAttr
	SelectNode
	ReloadDSP
	DumpDSPInfo
	DumpAudioThread
	AddActiveNode
	RmActiveNode
	AddTestDev
	TestDevCommand
	Suspend
	Resume
	ConfigGlobalRemix
	GetHotwordModels
	SetHotwordModel
	RegisterNotification
)

// Server -> client message IDs.
const (
	ClientConnected ID = iota + 1000
	StreamConnected
	AudioDebugInfoReady
	GetHotwordModelsReady
	OutputVolumeChanged
	OutputMuteChanged
	CaptureGainChanged
	CaptureMuteChanged
	NodesChanged
	ActiveNodeChanged
	OutputNodeVolumeChanged
	NodeLeftRightSwappedChanged
	InputNodeGainChanged
	NumActiveStreamsChanged
)

// Header is the fixed record every message begins with.
type Header struct {
	Length uint32 // total payload length, header included.
	ID     uint32
}

const headerSize = 8

// EncodeHeader writes h in little-endian to buf.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.ID)
	return buf
}

// DecodeHeader reads a Header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("protocol: short header (%d bytes)", len(buf))
	}
	return Header{
		Length: binary.LittleEndian.Uint32(buf[0:4]),
		ID:     binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ConnectStreamMsg is the body of a CONNECT_STREAM request. The audio
// socket fd is carried out of band via SCM_RIGHTS, not in this struct.
type ConnectStreamMsg struct {
	Direction    uint32
	StreamType   uint32
	SampleFormat int32
	Rate         uint32
	Channels     uint32
	BufferFrames uint32
	CbThreshold  uint32
	PinnedDevice uint32
	Pinned       uint32
}

// StreamConnectedMsg is the STREAM_CONNECTED reply. The two shm fds
// (input, output — same fd for unidirectional streams) are carried out
// of band.
type StreamConnectedMsg struct {
	Err          int32
	StreamID     uint32
	SampleFormat int32
	Rate         uint32
	Channels     uint32
	ShmMaxSize   uint32
}

// ClientConnectedMsg is sent once, right after accept; the system-state
// shm fd is carried out of band.
type ClientConnectedMsg struct {
	ClientID uint32
}

// SetSystemVolumeMsg, SetMuteMsg and friends are simple scalar-field
// control messages, packed in declaration order.
type SetSystemVolumeMsg struct{ Volume int32 }
type SetMuteMsg struct{ Muted uint32 }
type SetSystemCaptureGainMsg struct{ GainCentiDB int32 }

type SelectNodeMsg struct {
	Direction uint32
	NodeID    uint64
}

type SetNodeAttrMsg struct {
	NodeID uint64
	Attr   uint32
	Value  int32
}

type ActiveNodeMsg struct {
	Direction uint32
	NodeID    uint64
}

type AddTestDevMsg struct{ Direction uint32 }

// TestDevCommandMsg carries a fixed header plus a variable tail (the
// command's argument bytes), per spec.md §6.
type TestDevCommandMsg struct {
	DeviceIdx uint32
	Command   uint32
	Tail      []byte
}

// ConfigGlobalRemixMsg carries num_channels and a variable tail of
// float32 matrix coefficients (num_channels*num_channels of them).
type ConfigGlobalRemixMsg struct {
	NumChannels uint32
	Tail        []byte
}

type SetHotwordModelMsg struct {
	NodeID uint64
	Model  [64]byte // NUL-padded model name.
}

// GetHotwordModelsReadyMsg carries a NUL-separated list of model names in
// its variable tail.
type GetHotwordModelsReadyMsg struct {
	Tail []byte
}

// AudioDebugInfoReadyMsg is the DUMP_AUDIO_THREAD reply: a snapshot of
// every open device and attached stream, mirroring the original's
// cras_iodev_list_update_audio_debug_info (SPEC_FULL §5.1). The tail
// packs, little-endian: a uint32 device count, that many DeviceDebugInfo
// records, a uint32 stream count, then that many StreamDebugInfo records.
type AudioDebugInfoReadyMsg struct {
	Tail []byte
}

// DeviceDebugInfo is one open device's entry in an AudioDebugInfoReadyMsg
// tail.
type DeviceDebugInfo struct {
	DevIdx             uint32
	HwLevel            uint32
	NumUnderruns       uint32
	NumSevereUnderruns uint32
}

// StreamDebugInfo is one stream's entry in an AudioDebugInfoReadyMsg
// tail.
type StreamDebugInfo struct {
	StreamID               uint32
	DevIdx                 uint32
	QueuedFrames           uint32
	LongestFetchIntervalUs uint32
}

type RegisterNotificationMsg struct {
	MsgID      uint32
	DoRegister uint32
}

// Observer-event reply bodies.
type OutputVolumeChangedMsg struct{ Volume int32 }
type OutputMuteChangedMsg struct {
	Muted      uint32
	UserMuted  uint32
	MuteLocked uint32
}
type CaptureGainChangedMsg struct{ GainCentiDB int32 }
type CaptureMuteChangedMsg struct{ Muted uint32 }
type ActiveNodeChangedMsg struct {
	Direction uint32
	NodeID    uint64
}
type OutputNodeVolumeChangedMsg struct {
	NodeID uint64
	Volume int32
}
type NodeLeftRightSwappedChangedMsg struct {
	NodeID  uint64
	Swapped uint32
}
type InputNodeGainChangedMsg struct {
	NodeID      uint64
	GainCentiDB int32
}
type NumActiveStreamsChangedMsg struct{ Count uint32 }

// audio message channel, per spec.md §6.
const (
	RequestData uint32 = iota + 1
	DataReady
)

// AudioMsg is the fixed record exchanged on a stream's audio socket.
type AudioMsg struct {
	ID     uint32
	Error  int32
	Frames uint32
}

// Marshal encodes v (which must contain only fixed-size fields, per
// encoding/binary's rules) as little-endian bytes, appending a raw Tail
// if v is one of the messages with a variable-length tail.
func Marshal(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	switch m := v.(type) {
	case *TestDevCommandMsg:
		if err := binary.Write(buf, binary.LittleEndian, struct {
			DeviceIdx uint32
			Command   uint32
		}{m.DeviceIdx, m.Command}); err != nil {
			return nil, fmt.Errorf("protocol: marshal: %w", err)
		}
		buf.Write(m.Tail)
	case *ConfigGlobalRemixMsg:
		if err := binary.Write(buf, binary.LittleEndian, m.NumChannels); err != nil {
			return nil, fmt.Errorf("protocol: marshal: %w", err)
		}
		buf.Write(m.Tail)
	case *GetHotwordModelsReadyMsg:
		buf.Write(m.Tail)
	case *AudioDebugInfoReadyMsg:
		buf.Write(m.Tail)
	default:
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("protocol: marshal: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes buf into v using the same layout Marshal uses.
func Unmarshal(buf []byte, v interface{}) error {
	r := bytes.NewReader(buf)
	switch m := v.(type) {
	case *TestDevCommandMsg:
		var fixed struct {
			DeviceIdx uint32
			Command   uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
			return fmt.Errorf("protocol: unmarshal: %w", err)
		}
		m.DeviceIdx, m.Command = fixed.DeviceIdx, fixed.Command
		m.Tail = readRest(r)
	case *ConfigGlobalRemixMsg:
		if err := binary.Read(r, binary.LittleEndian, &m.NumChannels); err != nil {
			return fmt.Errorf("protocol: unmarshal: %w", err)
		}
		m.Tail = readRest(r)
	case *GetHotwordModelsReadyMsg:
		m.Tail = readRest(r)
	case *AudioDebugInfoReadyMsg:
		m.Tail = readRest(r)
	default:
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("protocol: unmarshal: %w", err)
		}
	}
	return nil
}

// EncodeAudioDebugInfo packs devices and streams into the tail format an
// AudioDebugInfoReadyMsg carries, per the DUMP_AUDIO_THREAD reply
// described in SPEC_FULL §5.1.
func EncodeAudioDebugInfo(devices []DeviceDebugInfo, streams []StreamDebugInfo) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(devices)))
	for _, d := range devices {
		binary.Write(buf, binary.LittleEndian, d)
	}
	binary.Write(buf, binary.LittleEndian, uint32(len(streams)))
	for _, s := range streams {
		binary.Write(buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}

func readRest(r *bytes.Reader) []byte {
	if r.Len() == 0 {
		return nil
	}
	out := make([]byte, r.Len())
	r.Read(out)
	return out
}
