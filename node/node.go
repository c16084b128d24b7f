/*
NAME
  node.go

DESCRIPTION
  node.go defines Node, a selectable input or output endpoint on a Device
  (e.g. "Headphone Jack", "Internal Mic"), per spec.md §3.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package node defines the Node type: a user-visible jack, speaker or
// microphone endpoint belonging to a Device.
package node

import "time"

// ID is a NodeId: high 32 bits device index, low 32 bits node index. Zero
// is the sentinel "no node" per spec.md §3.
type ID uint64

// NoNode is the sentinel meaning "no selection".
const NoNode ID = 0

// NewID packs a device index and node index into a NodeId.
func NewID(deviceIdx, nodeIdx uint32) ID {
	return ID(uint64(deviceIdx)<<32 | uint64(nodeIdx))
}

// DeviceIdx extracts the high 32 bits.
func (id ID) DeviceIdx() uint32 { return uint32(id >> 32) }

// NodeIdx extracts the low 32 bits.
func (id ID) NodeIdx() uint32 { return uint32(id) }

// Type classifies what kind of physical or virtual endpoint a Node is.
type Type int

const (
	TypeUnknown Type = iota
	TypeInternalSpeaker
	TypeHeadphone
	TypeHDMI
	TypeInternalMic
	TypeMic
	TypeUSB
	TypeBluetooth
	TypeLineout
	TypePostMixLoopback
	TypePostDSPLoopback
	TypeAEC
	TypeHotword
)

// Position hints at the node's physical location relative to the host.
type Position int

const (
	PositionUnknown Position = iota
	PositionInternal
	PositionExternal
	PositionBoth
)

// Node is a selectable endpoint on a Device.
type Node struct {
	ID   ID
	Name string

	Plugged     bool
	PluggedTime time.Time

	// Volume is the user-facing 0..=100 output level.
	Volume int
	// CaptureGain is in centi-dB, used for input nodes.
	CaptureGain int

	LeftRightSwapped bool
	Type             Type
	Position         Position
	MicPositions     string

	StableID uint32

	// Hotword support: ActiveHotwordModel is "" if none selected.
	ActiveHotwordModel string
	AvailableModels     []string

	// SoftwareVolumeNeeded is true when the node has no usable hardware
	// volume control and the engine must scale samples itself.
	SoftwareVolumeNeeded bool
	// MaxSoftwareGain bounds the software gain applied on top of volume,
	// in centi-dB.
	MaxSoftwareGain int
	// SoftvolScalers, if non-nil, is a 101-entry table (indices 0..=100)
	// used instead of a naive linear volume->scaler mapping.
	SoftvolScalers []float64
}

// EffectiveVolumeZero reports whether the node's current volume setting
// produces no audible output, used by the mute-change propagation logic in
// spec.md §4.4.
func (n *Node) EffectiveVolumeZero() bool {
	return n.Volume <= 0
}

// Scaler returns the linear gain implied by Volume, consulting
// SoftvolScalers when present.
func (n *Node) Scaler() float64 {
	v := n.Volume
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	if n.SoftvolScalers != nil && v < len(n.SoftvolScalers) {
		return n.SoftvolScalers[v]
	}
	return float64(v) / 100.0
}
