/*
NAME
  rclient.go

DESCRIPTION
  rclient.go implements RClient, the per-connection session object that
  frames inbound messages, enforces the fd-passing rule, and dispatches
  control messages into the engine, per spec.md §4.8.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package rclient implements the per-client session: message framing,
// the fd-passing policy, and dispatch of CONNECT_STREAM and system
// mutation messages into the engine.
package rclient

import (
	"fmt"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/observer"
	"github.com/ausocean/crasd/protocol"
	"github.com/ausocean/utils/logging"
)

// Conn is the minimal transport surface RClient needs; server.Conn (a
// SOCK_SEQPACKET connection) implements it.
type Conn interface {
	// RecvMsg reads one framed message, returning its id, body and any
	// fd attached (or -1 if none). Only CONNECT_STREAM may legally carry
	// one; rclient closes and rejects any fd arriving on another message.
	RecvMsg() (id protocol.ID, body []byte, fd int, err error)
	// SendMsg writes one framed message, optionally with fds attached.
	SendMsg(id protocol.ID, body []byte, fds ...int) error
	// CloseFD closes fd, a descriptor that arrived attached to a message
	// via SCM_RIGHTS but that rclient is discarding rather than handing
	// to the engine (spec.md §4.8/§6: a message that isn't permitted to
	// carry an fd, or a CONNECT_STREAM that fails, must not leak it).
	CloseFD(fd int) error
	Close() error
}

// Engine is the subset of server-side state rclient calls into; the
// server package supplies the concrete implementation so this package has
// no dependency on audiothread or iodev's concrete types.
type Engine interface {
	ConnectStream(clientID uint32, m protocol.ConnectStreamMsg, audioFD int) (streamID uint32, err error)
	DisconnectStream(clientID, streamID uint32) error
	SetSystemVolume(v int) error
	SetSystemMute(m bool) error
	SetUserMute(m bool) error
	SetSystemMuteLocked(m bool) error
	SetSystemCaptureGain(centiDB int) error
	SetSystemCaptureMute(m bool) error
	SetSystemCaptureMuteLocked(m bool) error
	SelectNode(dir format.Direction, id uint64) error
	AddActiveNode(id uint64) error
	RemoveActiveNode(id uint64) error
	Suspend() error
	Resume() error
	ConfigGlobalRemix(numChannels uint32, coeffs []byte) error
	GetHotwordModels(nodeID uint64) ([]string, error)
	SetHotwordModel(nodeID uint64, model string) error
	TestDevCommand(devIdx uint32, cmd uint32, arg []byte) error
	AddTestDev(dir format.Direction) (devIdx uint32, err error)
	DumpAudioThread() (devices []protocol.DeviceDebugInfo, streams []protocol.StreamDebugInfo, err error)
}

// RClient is one client's session.
type RClient struct {
	ID       uint32
	conn     Conn
	log      logging.Logger
	engine   Engine
	bus      *observer.Bus
	streamIDs map[uint32]bool
}

// New wraps conn with session id clientID.
func New(clientID uint32, conn Conn, log logging.Logger, engine Engine, bus *observer.Bus) *RClient {
	return &RClient{
		ID:        clientID,
		conn:      conn,
		log:       log,
		engine:    engine,
		bus:       bus,
		streamIDs: make(map[uint32]bool),
	}
}

// Close tears down the client's streams and bus registrations, per
// spec.md §4.10 "client socket errors ... remove the client and all its
// streams".
func (c *RClient) Close() {
	for sid := range c.streamIDs {
		c.engine.DisconnectStream(c.ID, sid)
	}
	c.bus.RemoveClient(c.ID)
	c.conn.Close()
}

// ServeOne reads and dispatches exactly one inbound message. Callers loop
// calling it until it returns an error (EOF/PeerGone), at which point they
// must call Close.
func (c *RClient) ServeOne() error {
	id, body, fd, err := c.conn.RecvMsg()
	if err != nil {
		return device.NewError(device.PeerGone, err)
	}
	if id != protocol.ConnectStream && fd >= 0 {
		// Only CONNECT_STREAM may carry an fd; spec.md §4.8.
		c.conn.CloseFD(fd)
		return device.NewError(device.InvalidArgument, fmt.Errorf("fd on message %d", id))
	}
	return c.dispatch(id, body, fd)
}

func (c *RClient) dispatch(id protocol.ID, body []byte, fd int) error {
	switch id {
	case protocol.ConnectStream:
		return c.handleConnectStream(body, fd)
	case protocol.DisconnectStream:
		var m struct{ StreamID uint32 }
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		delete(c.streamIDs, m.StreamID)
		return c.engine.DisconnectStream(c.ID, m.StreamID)
	case protocol.SetSystemVolume:
		var m protocol.SetSystemVolumeMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		return c.engine.SetSystemVolume(int(m.Volume))
	case protocol.SetSystemMute:
		return c.dispatchMute(body, c.engine.SetSystemMute)
	case protocol.SetUserMute:
		return c.dispatchMute(body, c.engine.SetUserMute)
	case protocol.SetSystemMuteLocked:
		return c.dispatchMute(body, c.engine.SetSystemMuteLocked)
	case protocol.SetSystemCaptureGain:
		var m protocol.SetSystemCaptureGainMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		return c.engine.SetSystemCaptureGain(int(m.GainCentiDB))
	case protocol.SetSystemCaptureMute:
		return c.dispatchMute(body, c.engine.SetSystemCaptureMute)
	case protocol.SetSystemCaptureMuteLocked:
		return c.dispatchMute(body, c.engine.SetSystemCaptureMuteLocked)
	case protocol.SelectNode:
		var m protocol.SelectNodeMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		return c.engine.SelectNode(format.Direction(m.Direction), m.NodeID)
	case protocol.AddActiveNode:
		var m protocol.ActiveNodeMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		return c.engine.AddActiveNode(m.NodeID)
	case protocol.RmActiveNode:
		var m protocol.ActiveNodeMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		return c.engine.RemoveActiveNode(m.NodeID)
	case protocol.Suspend:
		return c.engine.Suspend()
	case protocol.Resume:
		return c.engine.Resume()
	case protocol.ConfigGlobalRemix:
		var m protocol.ConfigGlobalRemixMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		return c.engine.ConfigGlobalRemix(m.NumChannels, m.Tail)
	case protocol.GetHotwordModels:
		var m struct{ NodeID uint64 }
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		models, err := c.engine.GetHotwordModels(m.NodeID)
		if err != nil {
			return err
		}
		return c.replyHotwordModels(models)
	case protocol.SetHotwordModel:
		var m protocol.SetHotwordModelMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		return c.engine.SetHotwordModel(m.NodeID, cString(m.Model[:]))
	case protocol.AddTestDev:
		var m protocol.AddTestDevMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		_, err := c.engine.AddTestDev(format.Direction(m.Direction))
		return err
	case protocol.TestDevCommand:
		var m protocol.TestDevCommandMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		return c.engine.TestDevCommand(m.DeviceIdx, m.Command, m.Tail)
	case protocol.ReloadDSP, protocol.DumpDSPInfo:
		// DSP internals (the per-device Chain installed via
		// AudioThread.SetDSPChain) have no reloadable config object and
		// nothing to dump; acknowledge without effect rather than
		// reporting an unknown message id.
		return nil
	case protocol.DumpAudioThread:
		devices, streams, err := c.engine.DumpAudioThread()
		if err != nil {
			return err
		}
		return c.replyAudioDebugInfo(devices, streams)
	case protocol.RegisterNotification:
		var m protocol.RegisterNotificationMsg
		if err := protocol.Unmarshal(body, &m); err != nil {
			return device.NewError(device.InvalidArgument, err)
		}
		c.bus.Register(c.ID, observer.Event(m.MsgID), m.DoRegister != 0, func(p observer.Payload) {
			c.sendObserverEvent(p)
		})
		return nil
	default:
		return device.NewError(device.InvalidArgument, fmt.Errorf("unknown message id %d", id))
	}
}

func (c *RClient) dispatchMute(body []byte, fn func(bool) error) error {
	var m protocol.SetMuteMsg
	if err := protocol.Unmarshal(body, &m); err != nil {
		return device.NewError(device.InvalidArgument, err)
	}
	return fn(m.Muted != 0)
}

func (c *RClient) handleConnectStream(body []byte, fd int) error {
	var m protocol.ConnectStreamMsg
	if err := protocol.Unmarshal(body, &m); err != nil {
		if fd >= 0 {
			c.conn.CloseFD(fd)
		}
		return device.NewError(device.InvalidArgument, err)
	}
	sid, err := c.engine.ConnectStream(c.ID, m, fd)
	if err != nil {
		// On failure the transferred audio fd is never handed to a
		// stream, so it must be closed here; spec.md §4.8: "On failure
		// reply with err != 0 and close the transferred audio fd".
		if fd >= 0 {
			c.conn.CloseFD(fd)
		}
		reply, _ := protocol.Marshal(&protocol.StreamConnectedMsg{Err: int32(errnoFor(err))})
		return c.conn.SendMsg(protocol.StreamConnected, reply)
	}
	c.streamIDs[sid] = true
	reply, _ := protocol.Marshal(&protocol.StreamConnectedMsg{
		StreamID:     sid,
		SampleFormat: m.SampleFormat,
		Rate:         m.Rate,
		Channels:     m.Channels,
		ShmMaxSize:   m.BufferFrames * m.Channels * 2,
	})
	return c.conn.SendMsg(protocol.StreamConnected, reply)
}

func (c *RClient) replyHotwordModels(models []string) error {
	var tail []byte
	for _, m := range models {
		tail = append(tail, []byte(m)...)
		tail = append(tail, 0)
	}
	body, _ := protocol.Marshal(&protocol.GetHotwordModelsReadyMsg{Tail: tail})
	return c.conn.SendMsg(protocol.GetHotwordModelsReady, body)
}

func (c *RClient) replyAudioDebugInfo(devices []protocol.DeviceDebugInfo, streams []protocol.StreamDebugInfo) error {
	tail := protocol.EncodeAudioDebugInfo(devices, streams)
	body, _ := protocol.Marshal(&protocol.AudioDebugInfoReadyMsg{Tail: tail})
	return c.conn.SendMsg(protocol.AudioDebugInfoReady, body)
}

func (c *RClient) sendObserverEvent(p observer.Payload) {
	switch p.Event {
	case observer.OutputVolumeChanged:
		body, _ := protocol.Marshal(&protocol.OutputVolumeChangedMsg{Volume: int32(p.Volume)})
		c.conn.SendMsg(protocol.OutputVolumeChanged, body)
	case observer.OutputMuteChanged:
		body, _ := protocol.Marshal(&protocol.OutputMuteChangedMsg{
			Muted:      boolToU32(p.Mute.Muted),
			UserMuted:  boolToU32(p.Mute.UserMuted),
			MuteLocked: boolToU32(p.Mute.MuteLocked),
		})
		c.conn.SendMsg(protocol.OutputMuteChanged, body)
	case observer.CaptureGainChanged:
		body, _ := protocol.Marshal(&protocol.CaptureGainChangedMsg{GainCentiDB: int32(p.GainCB)})
		c.conn.SendMsg(protocol.CaptureGainChanged, body)
	case observer.CaptureMuteChanged:
		body, _ := protocol.Marshal(&protocol.CaptureMuteChangedMsg{Muted: boolToU32(p.Bool)})
		c.conn.SendMsg(protocol.CaptureMuteChanged, body)
	case observer.ActiveNodeChanged:
		body, _ := protocol.Marshal(&protocol.ActiveNodeChangedMsg{NodeID: uint64(p.NodeID)})
		c.conn.SendMsg(protocol.ActiveNodeChanged, body)
	case observer.NumActiveStreamsChanged:
		body, _ := protocol.Marshal(&protocol.NumActiveStreamsChangedMsg{Count: uint32(p.Count)})
		c.conn.SendMsg(protocol.NumActiveStreamsChanged, body)
	case observer.NodesChanged:
		c.conn.SendMsg(protocol.NodesChanged, nil)
	}
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func errnoFor(err error) int {
	if err == nil {
		return 0
	}
	return -int(device.KindOf(err)) - 1
}
