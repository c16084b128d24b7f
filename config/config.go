/*
NAME
  config.go

DESCRIPTION
  config.go defines Config, crasd's runtime parameters, mirroring how
  revid/config.Config centralizes settings with defaults applied on
  Validate.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config centralizes crasd's runtime configuration: state
// directory, device/DSP config locations, and the tunables governing
// the audio thread and device state machine.
package config

import (
	"fmt"
	"time"

	"github.com/ausocean/utils/logging"
)

// Default tunables, mirrored from spec.md §4.4/§4.10.
const (
	DefaultStateDir          = "/run/crasd"
	DefaultDeviceConfigDir   = "/etc/crasd/device.d"
	DefaultDSPConfig         = "/etc/crasd/dsp.ini"
	DefaultInternalUCMSuffix = "UCM"
	DefaultIdleTimeout       = 10 * time.Second
	DefaultInitDevDelay      = 1000 * time.Millisecond
	DefaultDrainTimeout      = 10 * time.Second
	DefaultSampleRate        = 48000
	DefaultChannels          = 2
)

// Config holds crasd's startup parameters. A zero Config is invalid;
// construct with New and call Validate before use.
type Config struct {
	// StateDir holds the rendezvous socket and any runtime scratch state.
	StateDir string

	// DeviceConfigDir names a directory of per-card UCM-style device
	// configuration overrides. It is recorded from the command line only;
	// card discovery does not read it.
	DeviceConfigDir string

	// DSPConfig names a DSP pipeline definition file. It is recorded from
	// the command line only; nothing loads it, and RELOAD_DSP has no
	// effect.
	DSPConfig string

	// InternalUCMSuffix names the UCM variant suffix used for internal
	// (non-removable) cards, matching CRAS's --internal_ucm_suffix flag.
	InternalUCMSuffix string

	// SyslogMask is the minimum logging.Level that reaches syslog/file
	// output; finer-grained than logging.Logger's own verbosity so a
	// deployment can keep debug logging in memory while only escalating
	// warnings and above to disk.
	SyslogMask int8

	// DisableProfile turns off the (unimplemented in this port) audio
	// thread profiling hooks; carried for CLI/flag fidelity.
	DisableProfile bool

	IdleTimeout  time.Duration
	InitDevDelay time.Duration
	DrainTimeout time.Duration

	DefaultSampleRate uint32
	DefaultChannels   uint8

	Logger logging.Logger
}

// New returns a Config with every field defaulted, ready for flag
// overrides and Validate.
func New(log logging.Logger) *Config {
	return &Config{
		StateDir:          DefaultStateDir,
		DeviceConfigDir:   DefaultDeviceConfigDir,
		DSPConfig:         DefaultDSPConfig,
		InternalUCMSuffix: DefaultInternalUCMSuffix,
		SyslogMask:        logging.Info,
		IdleTimeout:       DefaultIdleTimeout,
		InitDevDelay:      DefaultInitDevDelay,
		DrainTimeout:      DefaultDrainTimeout,
		DefaultSampleRate: DefaultSampleRate,
		DefaultChannels:   DefaultChannels,
		Logger:            log,
	}
}

// Validate checks c for missing/invalid fields, defaulting what it can
// and logging via LogInvalidField when it does, mirroring revid's
// config.Validate pattern.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("config: Logger must be set")
	}
	if c.StateDir == "" {
		c.LogInvalidField("StateDir", DefaultStateDir)
		c.StateDir = DefaultStateDir
	}
	if c.IdleTimeout <= 0 {
		c.LogInvalidField("IdleTimeout", DefaultIdleTimeout)
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.InitDevDelay <= 0 {
		c.LogInvalidField("InitDevDelay", DefaultInitDevDelay)
		c.InitDevDelay = DefaultInitDevDelay
	}
	if c.DrainTimeout <= 0 {
		c.LogInvalidField("DrainTimeout", DefaultDrainTimeout)
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.DefaultSampleRate == 0 {
		c.LogInvalidField("DefaultSampleRate", DefaultSampleRate)
		c.DefaultSampleRate = DefaultSampleRate
	}
	if c.DefaultChannels == 0 {
		c.LogInvalidField("DefaultChannels", DefaultChannels)
		c.DefaultChannels = DefaultChannels
	}
	return nil
}

// LogInvalidField logs that name was bad or unset and the default being
// substituted, matching revid/config.Config.LogInvalidField.
func (c *Config) LogInvalidField(name string, def interface{}) {
	c.Logger.Info(name+" bad or unset, defaulting", name, def)
}
