/*
NAME
  iodev.go

DESCRIPTION
  iodev.go implements IoDevList, the owner of every input/output Device and
  the currently-enabled subset per direction, per spec.md §4.6.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package iodev implements IoDevList: device ownership, the enabled-set
// per direction, the fallback-device invariant, and node selection.
package iodev

import (
	"time"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/node"
	"github.com/ausocean/crasd/stream"
)

// InitDevDelay is the retry backoff for a device open failure, per
// spec.md §4.10.
const InitDevDelay = 1000 * time.Millisecond

// DrainTimeout is how long an output device is given to drain before
// being closed on disable, per spec.md §4.6/§5.
const DrainTimeout = 10 * time.Second

// entry bundles a Device with its list bookkeeping.
type entry struct {
	dev      device.Device
	idx      uint32
	dir      format.Direction
	enabled  bool
	fallback bool

	retryPending bool
	retryAt      time.Time
}

// DeviceEnabledFunc is invoked whenever a device's enabled state changes,
// mirroring the engine's device_enabled_callback in spec.md §4.6.
type DeviceEnabledFunc func(idx uint32, enabled bool)

// AttachFunc attaches every eligible non-pinned stream of dir to the
// device idx; DetachFunc is its inverse. These are supplied by the
// audiothread package, which alone knows how to message the realtime
// loop, keeping IoDevList free of any direct audio-thread dependency.
type AttachFunc func(devIdx uint32, dir format.Direction)
type DetachFunc func(devIdx uint32)

// List owns every Device, the enabled subset per direction, and the
// fallback invariant. Only the main thread calls its methods, per
// spec.md §5.
type List struct {
	entries map[uint32]*entry

	fallbackOut uint32
	fallbackIn  uint32

	OnDeviceEnabled DeviceEnabledFunc
	Attach          AttachFunc
	Detach          DetachFunc

	selectedOut node.ID
	selectedIn  node.ID
}

// New returns an empty List. The two fallback devices must be added via
// AddFallback before any real device is added.
func New() *List {
	return &List{entries: make(map[uint32]*entry)}
}

// AddFallback registers dev as the always-present fallback for its
// direction; it starts enabled, since with no real device attached the
// fallback invariant (spec.md §8 invariant 3) requires it.
func (l *List) AddFallback(dev device.Device) {
	info := dev.Info()
	e := &entry{dev: dev, idx: info.Idx, dir: info.Direction, enabled: true, fallback: true}
	l.entries[info.Idx] = e
	if info.Direction == format.Output {
		l.fallbackOut = info.Idx
	} else {
		l.fallbackIn = info.Idx
	}
}

// Add registers a real (non-fallback) device, initially disabled.
func (l *List) Add(dev device.Device) {
	info := dev.Info()
	l.entries[info.Idx] = &entry{dev: dev, idx: info.Idx, dir: info.Direction}
}

// Remove unregisters a device, disabling it first if necessary.
func (l *List) Remove(idx uint32) {
	e, ok := l.entries[idx]
	if !ok {
		return
	}
	if e.enabled && !e.fallback {
		l.Disable(idx)
	}
	delete(l.entries, idx)
}

func (l *List) fallbackFor(dir format.Direction) uint32 {
	if dir == format.Output {
		return l.fallbackOut
	}
	return l.fallbackIn
}

// anyRealEnabled reports whether any non-fallback device of dir is
// enabled.
func (l *List) anyRealEnabled(dir format.Direction) bool {
	for _, e := range l.entries {
		if e.dir == dir && e.enabled && !e.fallback {
			return true
		}
	}
	return false
}

// Enable opens and enables dev idx, attaching eligible streams. On open
// failure it schedules a retry and leaves idx disabled (the fallback,
// already enabled, continues to serve), per spec.md §4.6/§4.10.
func (l *List) Enable(idx uint32, f format.Format) error {
	e, ok := l.entries[idx]
	if !ok {
		return device.NewError(device.InvalidArgument, nil)
	}
	if e.enabled {
		return nil
	}

	if err := e.dev.OpenDev(f); err != nil {
		e.retryPending = true
		e.retryAt = time.Now().Add(InitDevDelay)
		return device.NewError(device.DeviceUnavailable, err)
	}

	e.enabled = true
	e.retryPending = false
	if l.OnDeviceEnabled != nil {
		l.OnDeviceEnabled(idx, true)
	}
	if l.Attach != nil {
		l.Attach(idx, e.dir)
	}

	// The fallback of this direction is disabled now that a real device
	// is enabled, per the invariant in spec.md §8.
	if !e.fallback {
		l.disableFallbackIfRealEnabled(e.dir)
	}
	return nil
}

func (l *List) disableFallbackIfRealEnabled(dir format.Direction) {
	fb := l.fallbackFor(dir)
	fe, ok := l.entries[fb]
	if !ok || !fe.enabled {
		return
	}
	if l.anyRealEnabled(dir) {
		fe.enabled = false
		if l.OnDeviceEnabled != nil {
			l.OnDeviceEnabled(fb, false)
		}
	}
}

// Disable detaches idx's non-pinned streams, closes it (the caller is
// responsible for honoring DrainTimeout on outputs before calling this),
// and re-enables the fallback first if idx was the last real device of
// its direction, to avoid a silence gap.
func (l *List) Disable(idx uint32) error {
	e, ok := l.entries[idx]
	if !ok {
		return device.NewError(device.InvalidArgument, nil)
	}
	if !e.enabled {
		return nil
	}

	wasLastReal := !e.fallback
	if wasLastReal {
		// Will this removal leave zero real devices enabled?
		count := 0
		for _, o := range l.entries {
			if o.dir == e.dir && o.enabled && !o.fallback && o.idx != idx {
				count++
			}
		}
		if count == 0 {
			fb := l.fallbackFor(e.dir)
			if fe, ok := l.entries[fb]; ok && !fe.enabled {
				fe.enabled = true
				if l.OnDeviceEnabled != nil {
					l.OnDeviceEnabled(fb, true)
				}
			}
		}
	}

	if l.Detach != nil {
		l.Detach(idx)
	}
	if err := e.dev.CloseDev(); err != nil {
		return device.NewError(device.DeviceBusy, err)
	}
	e.enabled = false
	if l.OnDeviceEnabled != nil {
		l.OnDeviceEnabled(idx, false)
	}
	return nil
}

// SelectNode implements spec.md §4.6's select_node: node 0 means "no
// selection", which collapses to only the fallback being enabled.
func (l *List) SelectNode(dir format.Direction, id node.ID, f format.Format) error {
	fb := l.fallbackFor(dir)
	if fe, ok := l.entries[fb]; ok && !fe.enabled {
		fe.enabled = true
		if l.OnDeviceEnabled != nil {
			l.OnDeviceEnabled(fb, true)
		}
	}

	for idx, e := range l.entries {
		if e.dir != dir || e.fallback || idx == id.DeviceIdx() {
			continue
		}
		if e.enabled {
			l.Disable(idx)
		}
	}

	if dir == format.Output {
		l.selectedOut = id
	} else {
		l.selectedIn = id
	}
	if id == node.NoNode {
		return nil
	}

	target, ok := l.entries[id.DeviceIdx()]
	if !ok {
		return device.NewError(device.InvalidArgument, nil)
	}
	target.dev.UpdateActiveNode(id.NodeIdx(), true)
	if err := target.dev.SetActiveNode(id); err != nil {
		return err
	}

	if err := l.Enable(id.DeviceIdx(), f); err != nil {
		return err
	}
	return nil
}

// CheckRetries re-attempts opening any device with a pending retry whose
// deadline has passed, per spec.md §4.10. Called periodically by the main
// event loop.
func (l *List) CheckRetries(now time.Time, f format.Format) {
	for idx, e := range l.entries {
		if !e.retryPending || now.Before(e.retryAt) {
			continue
		}
		e.retryPending = false
		l.Enable(idx, f)
	}
}

// Enabled returns the indices of every enabled device of dir, in
// unspecified order.
func (l *List) Enabled(dir format.Direction) []uint32 {
	var out []uint32
	for idx, e := range l.entries {
		if e.dir == dir && e.enabled {
			out = append(out, idx)
		}
	}
	return out
}

// Device returns the Device registered under idx, or nil.
func (l *List) Device(idx uint32) device.Device {
	e, ok := l.entries[idx]
	if !ok {
		return nil
	}
	return e.dev
}

// IsEnabled reports whether idx is currently enabled.
func (l *List) IsEnabled(idx uint32) bool {
	e, ok := l.entries[idx]
	return ok && e.enabled
}

// AttachEligibleStreams walks sl and attaches every non-pinned stream of
// dir (or pinned to idx) to idx; used by the Attach hook the caller wires
// in. Exposed as a helper so audiothread's glue stays small.
func AttachEligibleStreams(sl *stream.List, idx uint32, dir format.Direction) {
	for _, s := range sl.All() {
		if s.Direction != dir {
			continue
		}
		if s.Pinned && s.PinnedDevice != idx {
			continue
		}
		if _, ok := s.AttachedDevices[idx]; ok {
			continue
		}
		s.Attach(idx)
	}
}

// DetachDeviceStreams detaches every non-pinned stream currently attached
// to idx; pinned streams stay attached.
func DetachDeviceStreams(sl *stream.List, idx uint32) {
	for _, s := range sl.All() {
		if s.Pinned {
			continue
		}
		if _, ok := s.AttachedDevices[idx]; ok {
			s.Detach(idx)
		}
	}
}
