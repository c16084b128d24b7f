/*
NAME
  audiothread.go

DESCRIPTION
  audiothread.go implements the realtime mixing loop: the output and input
  pipelines, per-device state machine transitions, and the command channel
  through which the main thread serializes mutations, per spec.md §4.7.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package audiothread implements the realtime audio-thread loop: device
// servicing, stream mixing/demixing, and the ramp/rate-estimator/DSP
// pipeline order mandated by spec.md §4.4/§4.7.
package audiothread

import (
	"time"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/dsp"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/iodev"
	"github.com/ausocean/crasd/ramp"
	"github.com/ausocean/crasd/stream"
	"github.com/ausocean/utils/logging"
)

// tickInterval is the poll granularity used in lieu of a true epoll-style
// wait on heterogeneous device wake sources; see DESIGN.md for why this
// engine uses a bounded ticker rather than raw poll(2).
const tickInterval = 5 * time.Millisecond

// SevereUnderrunResetThreshold is N from spec.md §4.10: after this many
// consecutive severe underruns the engine issues a reset_request.
const SevereUnderrunResetThreshold = 5

// ResetFunc is invoked (on the audio thread) when a device needs a
// disable/enable cycle; the main thread glue (server package) supplies an
// implementation that posts a command back onto the main event loop,
// since IoDevList.Disable/Enable must only be called from the main
// thread, per spec.md §5.
type ResetFunc func(devIdx uint32)

// MuteDoneFunc is invoked when a mute-initiated ramp completes, so the
// main thread can call the hardware set_mute exactly once, per spec.md
// §4.4/§5 ("hardware mute is therefore never called from the audio
// thread").
type MuteDoneFunc func(devIdx uint32, mute bool)

// AudioThread owns the realtime mixing loop. All of its exported state is
// only ever touched by the goroutine running Run, except via cmdCh.
type AudioThread struct {
	log     logging.Logger
	devs    *iodev.List
	streams *stream.List

	dspChains map[uint32]dsp.Chain

	preMixLoopback  device.Device // feeds post-mix-pre-dsp loopback tap, if present.
	postDspLoopback device.Device // feeds post-dsp loopback tap, if present.

	OnReset    ResetFunc
	OnMuteDone MuteDoneFunc

	consecutiveSevere map[uint32]int

	mutedDevices map[uint32]bool
	softvol      map[uint32]float64

	// remixMatrix is the device-wide channel-remix converter installed by
	// CONFIG_GLOBAL_REMIX (SPEC_FULL §5.1), an numChannels x numChannels
	// row-major coefficient matrix; nil means "not configured".
	remixMatrix   []float32
	remixChannels uint8

	cmdCh chan func(*AudioThread)
	stop  chan struct{}
	done  chan struct{}
}

// SetMuted marks devIdx as muted or not; called (via Post, from the main
// thread) when the observer bus fires an output-mute change, per
// spec.md §4.4's mute-change propagation.
func (a *AudioThread) SetMuted(devIdx uint32, muted bool) {
	if a.mutedDevices == nil {
		a.mutedDevices = make(map[uint32]bool)
	}
	a.mutedDevices[devIdx] = muted
}

// SetSoftvolScaler installs the constant software-volume scaler applied
// to devIdx's output when no ramp is active.
func (a *AudioThread) SetSoftvolScaler(devIdx uint32, scaler float64) {
	if a.softvol == nil {
		a.softvol = make(map[uint32]float64)
	}
	a.softvol[devIdx] = scaler
}

// LoopbackFeeder is implemented by device.Device backends (loopback.Loopback)
// that accept mixed samples directly rather than through GetBuffer/PutBuffer.
type LoopbackFeeder interface {
	Feed(samples []byte, frames int)
}

// New returns an AudioThread ready to Run.
func New(log logging.Logger, devs *iodev.List, streams *stream.List) *AudioThread {
	return &AudioThread{
		log:               log,
		devs:              devs,
		streams:           streams,
		dspChains:         make(map[uint32]dsp.Chain),
		consecutiveSevere: make(map[uint32]int),
		cmdCh:             make(chan func(*AudioThread), 64),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// SetGlobalRemix installs the device-wide channel-remix matrix decoded
// from CONFIG_GLOBAL_REMIX, applied as step 4 of the output pipeline
// (spec.md §4.4, SPEC_FULL §5.1), exactly as the original's
// cras_iodev_set_mix_matrix does. A nil or mismatched-size matrix clears
// the converter.
func (a *AudioThread) SetGlobalRemix(numChannels uint8, matrix []float32) {
	if numChannels == 0 || len(matrix) != int(numChannels)*int(numChannels) {
		a.remixMatrix = nil
		a.remixChannels = 0
		return
	}
	a.remixMatrix = matrix
	a.remixChannels = numChannels
}

// SetLoopbackTaps wires the two loopback devices the output pipeline
// feeds each cycle. Either may be nil.
func (a *AudioThread) SetLoopbackTaps(preMix, postDsp device.Device) {
	a.preMixLoopback = preMix
	a.postDspLoopback = postDsp
}

// SetDSPChain installs the DSP hook chain for devIdx; absent entries
// default to a no-op chain.
func (a *AudioThread) SetDSPChain(devIdx uint32, c dsp.Chain) {
	a.dspChains[devIdx] = c
}

func (a *AudioThread) chainFor(devIdx uint32) dsp.Chain {
	if c, ok := a.dspChains[devIdx]; ok {
		return c
	}
	return dsp.NewNoopChain()
}

// Post queues fn to run on the audio thread between poll iterations, the
// Go analogue of CRAS's cras_main_message pipe (spec.md §5). Safe to call
// from the main thread only.
func (a *AudioThread) Post(fn func(*AudioThread)) {
	select {
	case a.cmdCh <- fn:
	case <-a.stop:
	}
}

// Stop requests the loop exit and blocks until it has, per spec.md §5's
// "server shutdown stops the audio thread (joins it) before closing
// sockets".
func (a *AudioThread) Stop() {
	close(a.stop)
	<-a.done
}

// Run is the realtime loop; it blocks until Stop is called. Call it in
// its own goroutine (ideally pinned/prioritized by the caller via
// runtime.LockOSThread and a SCHED_FIFO hint where the platform allows,
// per spec.md §4.7 — this Go port does not itself raise scheduling
// priority, see DESIGN.md).
func (a *AudioThread) Run() {
	defer close(a.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case fn := <-a.cmdCh:
			fn(a)
		case now := <-ticker.C:
			a.cycle(now)
		}
	}
}

// cycle runs one iteration of the pipeline described in spec.md §4.7.
func (a *AudioThread) cycle(now time.Time) {
	for _, idx := range a.devs.Enabled(format.Output) {
		a.serviceOutput(idx, now)
	}
	for _, idx := range a.devs.Enabled(format.Input) {
		a.serviceInput(idx, now)
	}
}

// serviceOutput implements spec.md §4.7 step 4 and §4.4's put-buffer
// pipeline and state machine.
func (a *AudioThread) serviceOutput(idx uint32, now time.Time) {
	d := a.devs.Device(idx)
	if d == nil {
		return
	}
	rt := d.RT()
	if rt.Format == nil {
		return
	}

	hwLevel, _ := d.FramesQueued(now)
	if rt.LastActivity.IsZero() {
		rt.LastActivity = now
	}

	attached := a.attachedStreams(idx, format.Output)
	a.transitionOutput(d, rt, idx, attached, now)

	switch rt.State {
	case device.NormalRun:
		a.mixOutput(d, rt, idx, attached, hwLevel)
	case device.NoStreamRun:
		d.NoStream(true)
		// Keep the buffer filled to 2*min_cb_level with zeros.
		if target := 2*rt.MinCbLevel - hwLevel; target > 0 {
			if area, frames, err := d.GetBuffer(target); err == nil && frames > 0 {
				for i := range area {
					area[i] = 0
				}
				d.PutBuffer(frames)
			}
		}
		// Idle-timeout-driven close is a main-thread decision (it owns
		// IoDevList); IdleExpired reports readiness and the server
		// package polls it from the main loop rather than the audio
		// thread closing devices itself.
	}

	if hwLevel == 0 && rt.State == device.NormalRun {
		d.OutputUnderrun()
		a.noteSevereUnderrun(idx, d)
	} else {
		a.consecutiveSevere[idx] = 0
	}
}

// attachedStreams returns the DevStreams bound to idx among all streams
// of the given direction.
func (a *AudioThread) attachedStreams(idx uint32, dir format.Direction) []*stream.DevStream {
	var out []*stream.DevStream
	for _, s := range a.streams.All() {
		if s.Direction != dir {
			continue
		}
		if ds, ok := s.AttachedDevices[idx]; ok {
			out = append(out, ds)
		}
	}
	return out
}

// transitionOutput advances rt.State per the state machine in spec.md
// §4.4, given the device's current set of attached streams.
func (a *AudioThread) transitionOutput(d device.Device, rt *device.Runtime, idx uint32, attached []*stream.DevStream, now time.Time) {
	numStreams := len(attached)
	rt.NumStreams = numStreams
	switch rt.State {
	case device.Open:
		if numStreams > 0 {
			info := d.Info()
			minCb := info.BufferSize / 2
			if attached[0].Stream.CbThreshold < minCb {
				minCb = attached[0].Stream.CbThreshold
			}
			rt.MinCbLevel = minCb
			zeroFill(d, rt)
			d.Start()
			rt.State = device.NormalRun
			rt.Ramp.Request(ramp.UpStartPlayback, float64(rt.Format.Rate), nil)
			rt.LastActivity = now
		}
	case device.NormalRun:
		if numStreams == 0 {
			rt.State = device.NoStreamRun
			rt.LastActivity = now
		} else {
			rt.LastActivity = now
		}
	case device.NoStreamRun:
		if numStreams > 0 {
			d.NoStream(false)
			rt.State = device.NormalRun
			rt.Ramp.Request(ramp.UpStartPlayback, float64(rt.Format.Rate), nil)
			rt.LastActivity = now
		}
	}
}

func zeroFill(d device.Device, rt *device.Runtime) {
	area, frames, err := d.GetBuffer(rt.MinCbLevel)
	if err != nil || frames == 0 {
		return
	}
	for i := range area {
		area[i] = 0
	}
	d.PutBuffer(frames)
}

// mixOutput implements the put-output-buffer pipeline of spec.md §4.4:
// pre_dsp_hook, ramp sampling, mute/DSP/ramp/softvol, remix, rate
// estimation, put_buffer.
func (a *AudioThread) mixOutput(d device.Device, rt *device.Runtime, idx uint32, attached []*stream.DevStream, hwLevel int) {
	info := d.Info()
	room := info.BufferSize - rt.MinCbLevel - hwLevel
	if room <= 0 {
		return
	}

	frameBytes := rt.Format.FrameBytes()
	area, maxFrames, err := d.GetBuffer(room)
	if err != nil || maxFrames == 0 {
		return
	}
	for i := range area {
		area[i] = 0
	}

	commit := maxFrames
	for _, ds := range attached {
		buf, frames := ds.FetchOutput(maxFrames)
		if frames < commit {
			commit = frames
		}
		mixInto(area, buf, frames, rt.Format.Channels)
	}
	if commit < 0 {
		commit = 0
	}

	chain := a.chainFor(idx)
	dsp.Apply(chain.Pre, area[:commit*frameBytes], *rt.Format)

	if a.preMixLoopback != nil {
		if f, ok := a.preMixLoopback.(LoopbackFeeder); ok {
			f.Feed(area[:commit*frameBytes], commit)
		}
	}

	action := rt.Ramp.CurrentAction()
	if a.muted(idx) && !action.Active {
		for i := range area[:commit*frameBytes] {
			area[i] = 0
		}
	} else {
		dsp.Apply(chain.Post, area[:commit*frameBytes], *rt.Format)
		if action.Active {
			scaleBufferIncrement(area[:commit*frameBytes], rt.Format.Channels, action.Scaler, action.Increment)
			if cb := rt.Ramp.UpdateRampedFrames(commit); cb != nil {
				cb()
			}
		} else if scaler := a.softvolScaler(idx); scaler != 1 {
			scaleBuffer(area[:commit*frameBytes], rt.Format.Channels, scaler)
		}
	}

	if a.postDspLoopback != nil {
		if f, ok := a.postDspLoopback.(LoopbackFeeder); ok {
			f.Feed(area[:commit*frameBytes], commit)
		}
	}

	if active := d.ActiveNode(); active != nil && active.LeftRightSwapped {
		swapLeftRight(area[:commit*frameBytes], rt.Format.Channels)
	}
	if a.remixMatrix != nil && a.remixChannels == rt.Format.Channels {
		applyRemixMatrix(area[:commit*frameBytes], rt.Format.Channels, a.remixMatrix)
	}

	rt.Rate.Check(commit, time.Now())
	d.PutBuffer(commit)
	for _, ds := range attached {
		ds.CommitOutput(commit)
	}
}

// muted and softvolScaler are overridable via SetMuted/SetSoftvolScaler by
// the control-plane glue; defaulted here to "never muted, unity gain" so
// the pipeline is exercisable without a full rclient wired in.
func (a *AudioThread) muted(idx uint32) bool {
	if a.mutedDevices == nil {
		return false
	}
	return a.mutedDevices[idx]
}

func (a *AudioThread) softvolScaler(idx uint32) float64 {
	if a.softvol == nil {
		return 1
	}
	if v, ok := a.softvol[idx]; ok {
		return v
	}
	return 1
}

// mixInto adds src (up to frames worth) into dst, per spec.md §4.7's
// "audible result is order-independent (pure addition)", clamping to the
// 16-bit range.
func mixInto(dst, src []byte, frames int, channels uint8) {
	n := frames * int(channels)
	for i := 0; i < n && i*2+1 < len(dst) && i*2+1 < len(src); i++ {
		a := int16(uint16(dst[i*2]) | uint16(dst[i*2+1])<<8)
		b := int16(uint16(src[i*2]) | uint16(src[i*2+1])<<8)
		sum := int32(a) + int32(b)
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		dst[i*2] = byte(sum)
		dst[i*2+1] = byte(sum >> 8)
	}
}

// scaleBuffer applies a constant gain to every 16-bit sample.
func scaleBuffer(buf []byte, channels uint8, scaler float64) {
	for i := 0; i+1 < len(buf); i += 2 {
		s := int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
		v := int32(float64(s) * scaler)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		buf[i] = byte(v)
		buf[i+1] = byte(v >> 8)
	}
}

// scaleBufferIncrement applies a linearly-ramping gain, advancing by
// increment once per frame (all channels of a frame share one scaler),
// per spec.md §4.4's scale_buffer_increment.
func scaleBufferIncrement(buf []byte, channels uint8, scaler, increment float64) {
	frameBytes := int(channels) * 2
	for f := 0; (f+1)*frameBytes <= len(buf); f++ {
		g := scaler + float64(f)*increment
		for c := 0; c < int(channels); c++ {
			i := f*frameBytes + c*2
			s := int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
			v := int32(float64(s) * g)
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			buf[i] = byte(v)
			buf[i+1] = byte(v >> 8)
		}
	}
}

// swapLeftRight exchanges channels 0 and 1 of every frame, implementing
// CRAS_NODE_SWAP_LEFT_RIGHT (SPEC_FULL §5.1). A no-op below stereo.
func swapLeftRight(buf []byte, channels uint8) {
	if channels < 2 {
		return
	}
	frameBytes := int(channels) * 2
	for f := 0; (f+1)*frameBytes <= len(buf); f++ {
		i0 := f * frameBytes
		i1 := i0 + 2
		buf[i0], buf[i0+1], buf[i1], buf[i1+1] = buf[i1], buf[i1+1], buf[i0], buf[i0+1]
	}
}

// applyRemixMatrix replaces every frame's channels with matrix * frame,
// matrix being a channels x channels row-major coefficient table, per
// CONFIG_GLOBAL_REMIX (SPEC_FULL §5.1).
func applyRemixMatrix(buf []byte, channels uint8, matrix []float32) {
	n := int(channels)
	frameBytes := n * 2
	in := make([]int16, n)
	for f := 0; (f+1)*frameBytes <= len(buf); f++ {
		base := f * frameBytes
		for c := 0; c < n; c++ {
			i := base + c*2
			in[c] = int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
		}
		for outCh := 0; outCh < n; outCh++ {
			var sum float32
			for inCh := 0; inCh < n; inCh++ {
				sum += matrix[outCh*n+inCh] * float32(in[inCh])
			}
			v := int32(sum)
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			i := base + outCh*2
			buf[i] = byte(v)
			buf[i+1] = byte(v >> 8)
		}
	}
}

// serviceInput implements spec.md §4.7 step 5 and §4.4's get-input-buffer
// pipeline.
func (a *AudioThread) serviceInput(idx uint32, now time.Time) {
	d := a.devs.Device(idx)
	if d == nil {
		return
	}
	rt := d.RT()
	if rt.Format == nil {
		return
	}
	if rt.State == device.Close {
		rt.State = device.NormalRun
	}

	area, frames, err := d.GetBuffer(rt.Format.MsToFrames(10))
	if err != nil || frames == 0 {
		return
	}
	if frames > rt.Format.MsToFrames(10) {
		// get_buffer must never return more than requested, per
		// spec.md §4.4 step 1.
		frames = rt.Format.MsToFrames(10)
	}

	chain := a.chainFor(idx)
	if a.muted(idx) {
		for i := range area {
			area[i] = 0
		}
	} else {
		dsp.Apply(chain.Post, area, *rt.Format)
	}

	for _, s := range a.streams.All() {
		if s.Direction != format.Input {
			continue
		}
		ds, ok := s.AttachedDevices[idx]
		if !ok {
			continue
		}
		delivered := ds.DeliverInput(area, frames)
		if ds.Level >= s.CbThreshold {
			s.RequestData(now) // reusing fetch bookkeeping; see DESIGN.md.
		}
		_ = delivered
	}

	rt.Rate.Check(frames, now)
	d.PutBuffer(frames)
}

// IdleExpired reports whether devIdx has been sitting in NoStreamRun
// longer than its configured idle timeout, for the main thread's periodic
// close sweep (spec.md §4.4 "engine may close -> Close").
func (a *AudioThread) IdleExpired(devIdx uint32, now time.Time) bool {
	d := a.devs.Device(devIdx)
	if d == nil {
		return false
	}
	rt := d.RT()
	return rt.State == device.NoStreamRun && now.Sub(rt.LastActivity) >= rt.IdleTimeout
}

// DeviceSnapshot is one open device's entry in a Snapshot, mirroring the
// original's cras_iodev_list_update_audio_debug_info (SPEC_FULL §5.1).
type DeviceSnapshot struct {
	DevIdx             uint32
	HwLevel            int
	NumUnderruns       int
	NumSevereUnderruns int
}

// StreamSnapshot is one attached stream's entry in a Snapshot.
type StreamSnapshot struct {
	StreamID             uint32
	DevIdx               uint32
	QueuedFrames         int
	LongestFetchInterval time.Duration
}

// Snapshot walks every open device and attached stream, collecting the
// debug-dump fields DUMP_AUDIO_THREAD replies with (SPEC_FULL §5.1): per
// device hw_level and underrun counters, per stream queued frames and
// longest fetch interval. Safe to call from the main thread via Post; the
// caller typically wraps the call in a.Post(...) and hands the result back
// over a channel, since this reads AudioThread-private device state.
func (a *AudioThread) Snapshot(now time.Time) ([]DeviceSnapshot, []StreamSnapshot) {
	var devs []DeviceSnapshot
	var streams []StreamSnapshot
	for _, dir := range [2]format.Direction{format.Output, format.Input} {
		for _, idx := range a.devs.Enabled(dir) {
			d := a.devs.Device(idx)
			if d == nil {
				continue
			}
			hwLevel, _ := d.FramesQueued(now)
			devs = append(devs, DeviceSnapshot{
				DevIdx:             idx,
				HwLevel:            hwLevel,
				NumUnderruns:       d.NumUnderruns(),
				NumSevereUnderruns: d.NumSevereUnderruns(),
			})
			for _, ds := range a.attachedStreams(idx, dir) {
				streams = append(streams, StreamSnapshot{
					StreamID:             uint32(ds.Stream.ID),
					DevIdx:               idx,
					QueuedFrames:         ds.Level,
					LongestFetchInterval: ds.Stream.LongestFetchInterval,
				})
			}
		}
	}
	return devs, streams
}

func (a *AudioThread) noteSevereUnderrun(idx uint32, d device.Device) {
	a.consecutiveSevere[idx]++
	if a.consecutiveSevere[idx] >= SevereUnderrunResetThreshold {
		a.consecutiveSevere[idx] = 0
		if !d.RT().ResetRequestPending {
			d.RT().ResetRequestPending = true
			if a.OnReset != nil {
				a.OnReset(idx)
			}
		}
	}
}
