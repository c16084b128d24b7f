/*
NAME
  format.go

DESCRIPTION
  format.go defines the PCM sample format, channel direction and frame
  layout shared by streams and devices.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package format defines the sample format, direction and channel layout
// types used throughout crasd to describe a PCM stream.
package format

import "fmt"

// MaxChannels bounds the channel_layout array, mirroring CRAS_CH_MAX.
const MaxChannels = 8

// SampleFormat identifies a PCM sample encoding.
type SampleFormat int

// Supported sample formats.
const (
	Unknown SampleFormat = iota - 1
	S16LE
	S24LE
	S24_3LE
	S32LE
	U8
)

// Bytes returns the number of bytes a single sample of f occupies.
func (f SampleFormat) Bytes() int {
	switch f {
	case S16LE:
		return 2
	case S24LE:
		return 4
	case S24_3LE:
		return 3
	case S32LE:
		return 4
	case U8:
		return 1
	default:
		return 0
	}
}

func (f SampleFormat) String() string {
	switch f {
	case S16LE:
		return "S16_LE"
	case S24LE:
		return "S24_LE"
	case S24_3LE:
		return "S24_3LE"
	case S32LE:
		return "S32_LE"
	case U8:
		return "U8"
	default:
		return "unknown"
	}
}

// Direction is the data-flow direction of a stream or device.
type Direction int

const (
	Output Direction = iota
	Input
	LoopbackPostMixPreDsp
	LoopbackPostDsp
)

func (d Direction) String() string {
	switch d {
	case Output:
		return "output"
	case Input:
		return "input"
	case LoopbackPostMixPreDsp:
		return "loopback(post-mix,pre-dsp)"
	case LoopbackPostDsp:
		return "loopback(post-dsp)"
	default:
		return "unknown"
	}
}

// IsLoopback reports whether d is one of the loopback variants.
func (d Direction) IsLoopback() bool {
	return d == LoopbackPostMixPreDsp || d == LoopbackPostDsp
}

// Format describes the PCM layout of a stream or device.
type Format struct {
	SampleFormat  SampleFormat
	Rate          uint32
	Channels      uint8
	ChannelLayout [MaxChannels]int8
}

// Valid reports whether f has a supported sample format, a positive rate
// and a channel count within the 1..=8 range required by spec.md §3.
func (f Format) Valid() error {
	switch f.SampleFormat {
	case S16LE, S24LE, S24_3LE, S32LE, U8:
	default:
		return fmt.Errorf("format: unsupported sample format %v", f.SampleFormat)
	}
	if f.Rate == 0 {
		return fmt.Errorf("format: rate must be positive")
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("format: channels %d out of range 1..=%d", f.Channels, MaxChannels)
	}
	return nil
}

// FrameBytes returns the number of bytes occupied by one frame (one sample
// per channel) in f.
func (f Format) FrameBytes() int {
	return f.SampleFormat.Bytes() * int(f.Channels)
}

// MsToFrames converts ms (in milliseconds) to a frame count at f's rate,
// rounding down.
func (f Format) MsToFrames(ms float64) int {
	return int(ms * float64(f.Rate) / 1000.0)
}
