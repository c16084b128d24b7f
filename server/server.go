//go:build !windows

/*
NAME
  server.go

DESCRIPTION
  server.go implements the rendezvous listener, accept loop, and the
  Engine glue that wires rclient's control-plane dispatch into
  iodev.List, stream.List, audiothread.AudioThread, observer.Bus and
  sysstate.State, per spec.md §4.8/§6.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package server implements the crasd rendezvous socket, per-client
// accept loop, and the Engine that bridges control messages into the
// engine's subsystems.
package server

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ausocean/crasd/audiothread"
	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/device/testdev"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/iodev"
	"github.com/ausocean/crasd/node"
	"github.com/ausocean/crasd/observer"
	"github.com/ausocean/crasd/protocol"
	"github.com/ausocean/crasd/rclient"
	"github.com/ausocean/crasd/stream"
	"github.com/ausocean/crasd/sysstate"
	"github.com/ausocean/utils/logging"
)

// socketName is the rendezvous socket's filename within the state dir,
// per spec.md §6.
const socketName = ".cras_socket"

// SocketMode is the listener's permission bits, set before bind to avoid
// a race, per spec.md §6.
const SocketMode = 0770

// Server owns the rendezvous listener and every engine subsystem.
type Server struct {
	log        logging.Logger
	stateDir   string
	instanceID string // per-process tag, for correlating log lines across a restart.

	listenFD int

	devs    *iodev.List
	streams *stream.List
	thread  *audiothread.AudioThread
	bus     *observer.Bus
	sys     *sysstate.State

	nextClientID uint32
	nextStreamID uint32
	nextDevIdx   uint32

	mu      sync.Mutex
	clients map[uint32]*rclient.RClient

	defaultFormat format.Format
}

// New constructs a Server with its fallback devices already registered.
// It does not yet listen; call Listen.
func New(log logging.Logger, stateDir string) *Server {
	devs := iodev.New()
	streams := stream.NewList(nil, nil)
	thread := audiothread.New(log, devs, streams)

	s := &Server{
		log:        log,
		stateDir:   stateDir,
		instanceID: uuid.NewString(),
		devs:     devs,
		streams:  streams,
		thread:   thread,
		bus:      observer.New(),
		sys:      sysstate.New(sysstate.Snapshot{OutputVolume: 100, NumActiveStreams: 0}),
		clients:  make(map[uint32]*rclient.RClient),
		defaultFormat: format.Format{
			SampleFormat: format.S16LE,
			Rate:         48000,
			Channels:     2,
		},
		nextDevIdx: 2, // 0 and 1 reserved for the output/input fallbacks.
	}
	devs.OnDeviceEnabled = s.onDeviceEnabled
	devs.Attach = func(idx uint32, dir format.Direction) { iodev.AttachEligibleStreams(streams, idx, dir) }
	devs.Detach = func(idx uint32) { iodev.DetachDeviceStreams(streams, idx) }
	return s
}

// Devices exposes the IoDevList for cmd/crasd to register concrete
// backends (ALSA cards discovered at startup) before Listen is called.
func (s *Server) Devices() *iodev.List { return s.devs }

// AudioThread exposes the realtime loop for wiring DSP chains/loopback
// taps before Run.
func (s *Server) AudioThread() *audiothread.AudioThread { return s.thread }

func (s *Server) onDeviceEnabled(idx uint32, enabled bool) {
	s.bus.Fire(observer.Payload{Event: observer.NodesChanged})
}

// Listen creates and binds the rendezvous socket, setting its mode before
// bind per spec.md §6.
func (s *Server) Listen() error {
	path := filepath.Join(s.stateDir, socketName)
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return fmt.Errorf("server: socket: %w", err)
	}

	// bind(2) creates the socket file using the process umask; narrow it
	// to 0007 (i.e. produce 0770) for the duration of the call so there is
	// no window where the file exists world-accessible, per spec.md §6.
	old := unix.Umask(0007)
	addr := &unix.SockaddrUnix{Name: path}
	err = unix.Bind(fd, addr)
	unix.Umask(old)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: bind: %w", err)
	}
	if err := os.Chmod(path, SocketMode); err != nil {
		s.log.Warning("server: chmod socket failed", "error", err.Error())
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listenFD = fd
	return nil
}

// Run ignores SIGPIPE/SIGCHLD, starts the audio thread, and accepts
// clients until stop is closed, per spec.md §6/§5.
func (s *Server) Run(stop <-chan struct{}) error {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGCHLD)

	go s.thread.Run()
	defer s.thread.Stop()

	accepted := make(chan int)
	acceptErr := make(chan error, 1)
	go func() {
		for {
			nfd, _, err := unix.Accept(s.listenFD)
			if err != nil {
				acceptErr <- err
				return
			}
			accepted <- nfd
		}
	}()

	for {
		select {
		case <-stop:
			unix.Close(s.listenFD)
			return nil
		case err := <-acceptErr:
			return fmt.Errorf("server: accept: %w", err)
		case nfd := <-accepted:
			s.handleClient(nfd)
		}
	}
}

func (s *Server) handleClient(fd int) {
	id := atomic.AddUint32(&s.nextClientID, 1)
	conn := NewConn(fd)
	rc := rclient.New(id, conn, s.log, s, s.bus)

	s.mu.Lock()
	s.clients[id] = rc
	s.mu.Unlock()

	s.log.Info("client connected", "instance", s.instanceID, "client_id", id)

	sysFD := -1 // a real deployment memfd_create's the system-state snapshot here.
	body, _ := protocol.Marshal(&protocol.ClientConnectedMsg{ClientID: id})
	if sysFD >= 0 {
		conn.SendMsg(protocol.ClientConnected, body, sysFD)
	} else {
		conn.SendMsg(protocol.ClientConnected, body)
	}

	go func() {
		for {
			if err := rc.ServeOne(); err != nil {
				break
			}
		}
		rc.Close()
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
	}()
}

// --- rclient.Engine implementation ---

func (s *Server) ConnectStream(clientID uint32, m protocol.ConnectStreamMsg, audioFD int) (uint32, error) {
	sf := format.SampleFormat(m.SampleFormat)
	f := format.Format{SampleFormat: sf, Rate: m.Rate, Channels: uint8(m.Channels)}
	dir := format.Direction(m.Direction)
	id := stream.ID(atomic.AddUint32(&s.nextStreamID, 1))

	st, err := stream.New(id, clientID, dir, stream.Type(m.StreamType), f, int(m.BufferFrames), int(m.CbThreshold), m.PinnedDevice, m.Pinned != 0)
	if err != nil {
		return 0, err
	}
	s.streams.Add(st)

	if st.Pinned {
		st.Attach(st.PinnedDevice)
	} else {
		for _, idx := range s.devs.Enabled(dir) {
			st.Attach(idx)
		}
	}
	s.bus.Fire(observer.Payload{Event: observer.NumActiveStreamsChanged, Count: s.streams.Len()})
	return uint32(id), nil
}

func (s *Server) DisconnectStream(clientID, streamID uint32) error {
	st := s.streams.Get(stream.ID(streamID))
	if st == nil {
		return device.NewError(device.InvalidArgument, nil)
	}
	s.streams.Remove(st.ID)
	st.Close()
	s.bus.Fire(observer.Payload{Event: observer.NumActiveStreamsChanged, Count: s.streams.Len()})
	return nil
}

func (s *Server) SetSystemVolume(v int) error {
	s.sys.Update(func(snap *sysstate.Snapshot) { snap.OutputVolume = v })
	s.bus.Fire(observer.Payload{Event: observer.OutputVolumeChanged, Volume: v})
	return nil
}

func (s *Server) SetSystemMute(m bool) error {
	s.sys.Update(func(snap *sysstate.Snapshot) { snap.OutputMuted = m })
	for _, idx := range s.devs.Enabled(format.Output) {
		s.thread.SetMuted(idx, m)
	}
	s.bus.Fire(observer.Payload{Event: observer.OutputMuteChanged, Mute: observer.MuteState{Muted: m}})
	return nil
}

func (s *Server) SetUserMute(m bool) error {
	s.sys.Update(func(snap *sysstate.Snapshot) { snap.OutputUserMuted = m })
	s.bus.Fire(observer.Payload{Event: observer.OutputMuteChanged, Mute: observer.MuteState{UserMuted: m}})
	return nil
}

func (s *Server) SetSystemMuteLocked(m bool) error {
	s.sys.Update(func(snap *sysstate.Snapshot) { snap.OutputMuteLocked = m })
	return nil
}

func (s *Server) SetSystemCaptureGain(centiDB int) error {
	s.sys.Update(func(snap *sysstate.Snapshot) { snap.CaptureGain = centiDB })
	s.bus.Fire(observer.Payload{Event: observer.CaptureGainChanged, GainCB: centiDB})
	return nil
}

func (s *Server) SetSystemCaptureMute(m bool) error {
	s.sys.Update(func(snap *sysstate.Snapshot) { snap.CaptureMuted = m })
	s.bus.Fire(observer.Payload{Event: observer.CaptureMuteChanged, Bool: m})
	return nil
}

func (s *Server) SetSystemCaptureMuteLocked(m bool) error {
	s.sys.Update(func(snap *sysstate.Snapshot) { snap.CaptureMuteLocked = m })
	return nil
}

func (s *Server) SelectNode(dir format.Direction, id uint64) error {
	err := s.devs.SelectNode(dir, node.ID(id), s.defaultFormat)
	s.bus.Fire(observer.Payload{Event: observer.ActiveNodeChanged, NodeID: node.ID(id)})
	return err
}

func (s *Server) AddActiveNode(id uint64) error {
	dev := s.devs.Device(node.ID(id).DeviceIdx())
	if dev == nil {
		return device.NewError(device.InvalidArgument, nil)
	}
	return dev.UpdateActiveNode(node.ID(id).NodeIdx(), true)
}

func (s *Server) RemoveActiveNode(id uint64) error {
	dev := s.devs.Device(node.ID(id).DeviceIdx())
	if dev == nil {
		return device.NewError(device.InvalidArgument, nil)
	}
	return dev.UpdateActiveNode(node.ID(id).NodeIdx(), false)
}

func (s *Server) Suspend() error {
	s.sys.Update(func(snap *sysstate.Snapshot) { snap.Suspended = true })
	for _, idx := range append(s.devs.Enabled(format.Output), s.devs.Enabled(format.Input)...) {
		s.devs.Disable(idx)
	}
	s.bus.Fire(observer.Payload{Event: observer.SuspendChanged, Bool: true})
	return nil
}

func (s *Server) Resume() error {
	s.sys.Update(func(snap *sysstate.Snapshot) { snap.Suspended = false })
	s.bus.Fire(observer.Payload{Event: observer.SuspendChanged, Bool: false})
	return nil
}

func (s *Server) ConfigGlobalRemix(numChannels uint32, coeffs []byte) error {
	if numChannels == 0 {
		s.thread.SetGlobalRemix(0, nil)
		return nil
	}
	want := int(numChannels) * int(numChannels)
	if len(coeffs) < want*4 {
		return device.NewError(device.InvalidArgument, fmt.Errorf("config global remix: need %d coefficient bytes, got %d", want*4, len(coeffs)))
	}
	matrix := make([]float32, want)
	for i := range matrix {
		matrix[i] = math.Float32frombits(binary.LittleEndian.Uint32(coeffs[i*4:]))
	}
	// Applied as the device-wide remix converter referenced in spec.md
	// §4.4 step 4, exactly as the original's cras_iodev_set_mix_matrix
	// does.
	s.thread.SetGlobalRemix(uint8(numChannels), matrix)
	return nil
}

func (s *Server) GetHotwordModels(nodeID uint64) ([]string, error) {
	dev := s.devs.Device(node.ID(nodeID).DeviceIdx())
	if dev == nil {
		return nil, device.NewError(device.InvalidArgument, nil)
	}
	n := dev.ActiveNode()
	return n.AvailableModels, nil
}

func (s *Server) SetHotwordModel(nodeID uint64, model string) error {
	dev := s.devs.Device(node.ID(nodeID).DeviceIdx())
	if dev == nil {
		return device.NewError(device.InvalidArgument, nil)
	}
	n := dev.ActiveNode()
	n.ActiveHotwordModel = model
	return nil
}

func (s *Server) TestDevCommand(devIdx uint32, cmd uint32, arg []byte) error {
	dev := s.devs.Device(devIdx)
	if dev == nil {
		return device.NewError(device.InvalidArgument, nil)
	}
	td, ok := dev.(*testdev.TestDevice)
	if !ok {
		return device.NewError(device.InvalidArgument, fmt.Errorf("not a test device"))
	}
	td.Script(testdev.Command(cmd), arg)
	return nil
}

func (s *Server) AddTestDev(dir format.Direction) (uint32, error) {
	idx := atomic.AddUint32(&s.nextDevIdx, 1)
	td := testdev.New(dir, idx)
	s.devs.Add(td)
	return idx, nil
}

// DumpAudioThread implements DUMP_AUDIO_THREAD: a snapshot of every open
// device and attached stream, mirroring the original's
// cras_iodev_list_update_audio_debug_info (SPEC_FULL §5.1).
func (s *Server) DumpAudioThread() ([]protocol.DeviceDebugInfo, []protocol.StreamDebugInfo, error) {
	devSnaps, streamSnaps := s.thread.Snapshot(time.Now())

	devices := make([]protocol.DeviceDebugInfo, len(devSnaps))
	for i, d := range devSnaps {
		devices[i] = protocol.DeviceDebugInfo{
			DevIdx:             d.DevIdx,
			HwLevel:            uint32(d.HwLevel),
			NumUnderruns:       uint32(d.NumUnderruns),
			NumSevereUnderruns: uint32(d.NumSevereUnderruns),
		}
	}
	streams := make([]protocol.StreamDebugInfo, len(streamSnaps))
	for i, st := range streamSnaps {
		streams[i] = protocol.StreamDebugInfo{
			StreamID:               st.StreamID,
			DevIdx:                 st.DevIdx,
			QueuedFrames:           uint32(st.QueuedFrames),
			LongestFetchIntervalUs: uint32(st.LongestFetchInterval.Microseconds()),
		}
	}
	return devices, streams, nil
}
