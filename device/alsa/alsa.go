/*
NAME
  alsa.go

AUTHOR
  Alan Noble <alan@ausocean.org>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package alsa implements device.Device against real ALSA hardware via
// github.com/yobert/alsa, for both playback and capture nodes.
package alsa

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	yalsa "github.com/yobert/alsa"

	"github.com/ausocean/crasd/device"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/node"
	"github.com/ausocean/utils/logging"
)

// candidateRates mirrors the teacher's negotiation order: prefer a rate
// that is an integer multiple of the wanted rate so downstream resampling
// (if ever needed) is cheap.
var candidateRates = [...]int{8000, 16000, 32000, 44100, 48000, 88200, 96000, 192000}

// ALSA is a device.Device backed by one ALSA PCM device, either playback
// or capture (never both, matching one hardware PCM substream each).
type ALSA struct {
	l   logging.Logger
	dir format.Direction

	mu  sync.Mutex
	dev *yalsa.Device

	info Info
	*device.Runtime

	nodes      []*node.Node
	activeNode node.ID

	// ring is the software buffer the audio thread's GetBuffer/PutBuffer
	// operate on; a background goroutine drains it to (or fills it from)
	// the hardware, decoupling the realtime poll loop from ALSA's
	// blocking Read/Write, mirroring the teacher's input() goroutine.
	ring      []byte
	ringHead  int
	ringTail  int
	ringCount int
	cond      *sync.Cond
	closing   bool
	done      chan struct{}

	volume int
	muted  bool

	captureGain int
	captureMute bool
}

// Info is the re-exported device.Info alias, kept here only so callers in
// this package need not import device for the common case.
type Info = device.Info

// New returns an unopened ALSA device for the given direction. title
// selects a specific ALSA card/device by its reported title; if empty the
// first suitable device is used.
func New(l logging.Logger, dir format.Direction, title string, idx uint32) *ALSA {
	a := &ALSA{
		l:       l,
		dir:     dir,
		Runtime: device.NewRuntime(),
		volume:  100,
	}
	a.cond = sync.NewCond(&a.mu)
	a.info = Info{
		Idx:               idx,
		Name:              title,
		Direction:         dir,
		SupportedRates:    []uint32{44100, 48000},
		SupportedChannels: []uint8{1, 2},
		SupportedFormats:  []format.SampleFormat{format.S16LE},
	}
	n := &node.Node{
		ID:   node.NewID(idx, 0),
		Name: title,
	}
	if title == "" {
		n.Name = dir.String()
	}
	a.nodes = []*node.Node{n}
	a.activeNode = n.ID
	return a
}

func (a *ALSA) Info() Info { return a.info }

func (a *ALSA) RT() *device.Runtime { return a.Runtime }

// OpenDev opens the ALSA card matching a.info.Name (or the first suitable
// one) and negotiates it as close as possible to f, recording what was
// actually negotiated back into f's caller-visible Runtime.Format.
func (a *ALSA) OpenDev(f format.Format) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev != nil {
		a.closeLocked()
	}

	cards, err := yalsa.OpenCards()
	if err != nil {
		return errors.Wrap(err, "alsa: open cards")
	}
	defer yalsa.CloseCards(cards)

	var found *yalsa.Device
	for _, card := range cards {
		devs, err := card.Devices()
		if err != nil {
			continue
		}
		for _, d := range devs {
			if d.Type != yalsa.PCM {
				continue
			}
			wantPlay := a.dir == format.Output
			if wantPlay && !d.Play {
				continue
			}
			if !wantPlay && !d.Record {
				continue
			}
			if a.info.Name == "" || d.Title == a.info.Name {
				found = d
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found == nil {
		return errors.Errorf("alsa: no suitable %v device found", a.dir)
	}
	a.dev = found

	if err := a.dev.Open(); err != nil {
		a.dev = nil
		return errors.Wrap(err, "alsa: open")
	}

	channels, err := a.dev.NegotiateChannels(int(f.Channels))
	if err != nil && f.Channels == 1 {
		a.l.Info("alsa: mono unsupported, trying stereo", "error", err)
		channels, err = a.dev.NegotiateChannels(2)
	}
	if err != nil {
		a.dev.Close()
		a.dev = nil
		return fmt.Errorf("alsa: negotiate channels: %w", err)
	}

	var rate int
	for _, r := range candidateRates {
		if r < int(f.Rate) || r%int(f.Rate) != 0 {
			continue
		}
		if rate, err = a.dev.NegotiateRate(r); err == nil {
			break
		}
	}
	if rate == 0 {
		if rate, err = a.dev.NegotiateRate(int(f.Rate)); err != nil {
			a.dev.Close()
			a.dev = nil
			return fmt.Errorf("alsa: negotiate rate: %w", err)
		}
	}

	aFmt := yalsa.S16_LE
	switch f.SampleFormat {
	case format.S32LE:
		aFmt = yalsa.S32_LE
	}
	negFmt, err := a.dev.NegotiateFormat(aFmt)
	if err != nil {
		a.dev.Close()
		a.dev = nil
		return fmt.Errorf("alsa: negotiate format: %w", err)
	}
	sf := format.S16LE
	if negFmt == yalsa.S32_LE {
		sf = format.S32LE
	}

	const wantPeriodSec = 0.01 // 10ms, per spec.md min_cb_level guidance.
	frameBytes := int(channels) * sf.Bytes()
	wantPeriodFrames := int(float64(rate) * wantPeriodSec)
	periodSize, err := a.dev.NegotiatePeriodSize(nearestPowerOfTwo(wantPeriodFrames * frameBytes))
	if err != nil {
		a.dev.Close()
		a.dev = nil
		return fmt.Errorf("alsa: negotiate period: %w", err)
	}
	bufSize, err := a.dev.NegotiateBufferSize(periodSize * 4)
	if err != nil {
		a.dev.Close()
		a.dev = nil
		return fmt.Errorf("alsa: negotiate buffer: %w", err)
	}
	if err := a.dev.Prepare(); err != nil {
		a.dev.Close()
		a.dev = nil
		return fmt.Errorf("alsa: prepare: %w", err)
	}

	negotiated := format.Format{
		SampleFormat: sf,
		Rate:         uint32(rate),
		Channels:     uint8(channels),
	}
	a.Format = &negotiated
	a.info.BufferSize = bufSize
	a.info.MinBufferLevel = periodSize

	a.ring = make([]byte, bufSize*frameBytes*2)
	a.ringHead, a.ringTail, a.ringCount = 0, 0, 0
	a.closing = false
	a.done = make(chan struct{})
	a.Rate.ResetRate(float64(rate))

	go a.pump()

	a.State = device.Open
	return nil
}

func (a *ALSA) CloseDev() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *ALSA) closeLocked() error {
	if a.dev == nil {
		return nil
	}
	a.closing = true
	a.cond.Broadcast()
	a.mu.Unlock()
	<-a.done
	a.mu.Lock()
	err := a.dev.Close()
	a.dev = nil
	a.Format = nil
	a.State = device.Close
	return err
}

// pump bridges the software ring to the blocking ALSA Read/Write calls, one
// period at a time, waking the audio thread's wait loop via the ring's
// occupancy transitioning.
func (a *ALSA) pump() {
	defer close(a.done)
	period := make([]byte, a.info.MinBufferLevel*int(a.Format.Channels)*a.Format.SampleFormat.Bytes())
	for {
		a.mu.Lock()
		if a.closing {
			a.mu.Unlock()
			return
		}
		dev := a.dev
		dir := a.dir
		a.mu.Unlock()

		if dir == format.Output {
			a.mu.Lock()
			for a.ringCount < len(period) && !a.closing {
				a.cond.Wait()
			}
			if a.closing {
				a.mu.Unlock()
				return
			}
			a.readRingLocked(period)
			a.mu.Unlock()
			if _, err := dev.Write(period); err != nil {
				a.l.Error("alsa: write failed", "error", err.Error())
			}
		} else {
			if err := dev.Read(period); err != nil {
				a.l.Error("alsa: read failed", "error", err.Error())
				time.Sleep(10 * time.Millisecond)
				continue
			}
			a.mu.Lock()
			for len(a.ring)-a.ringCount < len(period) && !a.closing {
				a.cond.Wait()
			}
			if a.closing {
				a.mu.Unlock()
				return
			}
			a.writeRingLocked(period)
			a.cond.Broadcast()
			a.mu.Unlock()
		}
	}
}

func (a *ALSA) readRingLocked(dst []byte) {
	n := copy(dst, a.ring[a.ringTail:])
	if n < len(dst) {
		n += copy(dst[n:], a.ring[:a.ringTail])
	}
	a.ringTail = (a.ringTail + len(dst)) % len(a.ring)
	a.ringCount -= len(dst)
}

func (a *ALSA) writeRingLocked(src []byte) {
	n := copy(a.ring[a.ringHead:], src)
	if n < len(src) {
		copy(a.ring[:], src[n:])
	}
	a.ringHead = (a.ringHead + len(src)) % len(a.ring)
	a.ringCount += len(src)
}

func (a *ALSA) FramesQueued(now time.Time) (int, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Format == nil {
		return 0, now
	}
	frameBytes := int(a.Format.Channels) * a.Format.SampleFormat.Bytes()
	return a.ringCount / frameBytes, now
}

func (a *ALSA) DelayFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Format == nil {
		return 0
	}
	return a.info.MinBufferLevel
}

func (a *ALSA) GetBuffer(maxFrames int) ([]byte, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Format == nil {
		return nil, 0, fmt.Errorf("alsa: device not open")
	}
	frameBytes := int(a.Format.Channels) * a.Format.SampleFormat.Bytes()
	if a.dir == format.Output {
		avail := (len(a.ring) - a.ringCount) / frameBytes
		if avail > maxFrames {
			avail = maxFrames
		}
		if avail == 0 {
			return nil, 0, nil
		}
		buf := make([]byte, avail*frameBytes)
		return buf, avail, nil
	}
	avail := a.ringCount / frameBytes
	if avail > maxFrames {
		avail = maxFrames
	}
	if avail == 0 {
		return nil, 0, nil
	}
	buf := make([]byte, avail*frameBytes)
	a.readRingLocked(buf)
	a.cond.Broadcast()
	return buf, avail, nil
}

func (a *ALSA) PutBuffer(frames int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Format == nil || a.dir != format.Output {
		return nil
	}
	frameBytes := int(a.Format.Channels) * a.Format.SampleFormat.Bytes()
	_ = frameBytes
	a.cond.Broadcast()
	return nil
}

// WriteFrames copies samples into the ring, up to the free space left in
// it, and returns the number of bytes written. audiothread does not call
// it; it services devices through GetBuffer/PutBuffer only.
func (a *ALSA) WriteFrames(samples []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Format == nil {
		return 0, fmt.Errorf("alsa: device not open")
	}
	n := len(samples)
	if room := len(a.ring) - a.ringCount; n > room {
		n = room
	}
	a.writeRingLocked(samples[:n])
	a.cond.Broadcast()
	return n, nil
}

func (a *ALSA) FlushBuffer() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dropped := a.ringCount
	a.ringHead, a.ringTail, a.ringCount = 0, 0, 0
	a.cond.Broadcast()
	return dropped, nil
}

func (a *ALSA) Start() error { return nil }

func (a *ALSA) NoStream(enable bool) error { return nil }

func (a *ALSA) OutputShouldWake() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Format == nil {
		return false
	}
	frameBytes := int(a.Format.Channels) * a.Format.SampleFormat.Bytes()
	return (len(a.ring)-a.ringCount)/frameBytes >= a.info.MinBufferLevel
}

func (a *ALSA) OutputUnderrun() error {
	a.RecordUnderrun(false)
	return nil
}

func (a *ALSA) UpdateActiveNode(nodeIdx uint32, enabled bool) error { return nil }

func (a *ALSA) SetVolume(v int) error {
	a.mu.Lock()
	a.volume = v
	a.mu.Unlock()
	return nil
}

func (a *ALSA) SetMute(m bool) error {
	a.mu.Lock()
	a.muted = m
	a.mu.Unlock()
	return nil
}

func (a *ALSA) SetCaptureGain(centiDB int) error {
	a.mu.Lock()
	a.captureGain = centiDB
	a.mu.Unlock()
	return nil
}

func (a *ALSA) SetCaptureMute(m bool) error {
	a.mu.Lock()
	a.captureMute = m
	a.mu.Unlock()
	return nil
}

func (a *ALSA) Nodes() []*node.Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes
}

func (a *ALSA) ActiveNode() *node.Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.nodes {
		if n.ID == a.activeNode {
			return n
		}
	}
	return a.nodes[0]
}

func (a *ALSA) SetActiveNode(id node.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.nodes {
		if n.ID == id {
			a.activeNode = id
			return nil
		}
	}
	return fmt.Errorf("alsa: unknown node %v", id)
}

// nearestPowerOfTwo finds and returns the nearest power of two to the given
// integer, preferring the higher one on a tie.
// Source: https://stackoverflow.com/a/45859570
func nearestPowerOfTwo(n int) int {
	if n <= 0 {
		return 1
	}
	if n == 1 {
		return 2
	}
	v := n
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	x := v >> 1
	if (v - n) > (n - x) {
		return x
	}
	return v
}
