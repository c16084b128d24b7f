/*
NAME
  main.go

DESCRIPTION
  crasd is the audio server daemon: it discovers ALSA cards, registers
  them as devices, starts the realtime audio thread, and serves the
  control-plane protocol over a SOCK_SEQPACKET rendezvous socket.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package main implements the crasd binary.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/crasd/config"
	"github.com/ausocean/crasd/device/empty"
	"github.com/ausocean/crasd/device/loopback"
	"github.com/ausocean/crasd/format"
	"github.com/ausocean/crasd/server"
	"github.com/yobert/alsa"

	alsadev "github.com/ausocean/crasd/device/alsa"
	"github.com/ausocean/utils/logging"
)

// version is set by the release process; left as a placeholder default
// for local builds.
var version = "dev"

// Logging configuration, mirroring the teacher's cmd binaries.
const (
	logPath      = "/var/log/crasd/crasd.log"
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
)

func main() {
	stateDirPtr := flag.String("state_dir", config.DefaultStateDir, "Directory holding the rendezvous socket.")
	deviceConfigDirPtr := flag.String("device_config_dir", config.DefaultDeviceConfigDir, "Directory of per-card device configuration overrides.")
	dspConfigPtr := flag.String("dsp_config", config.DefaultDSPConfig, "Path to the DSP pipeline definition.")
	internalUCMSuffixPtr := flag.String("internal_ucm_suffix", config.DefaultInternalUCMSuffix, "UCM variant suffix for internal cards.")
	syslogMaskPtr := flag.Int("syslog_mask", int(logging.Info), "Minimum severity that reaches the log file.")
	disableProfilePtr := flag.Bool("disable_profile", false, "Disable audio thread profiling hooks.")
	versionPtr := flag.Bool("version", false, "Print the version and exit.")
	flag.Parse()

	if *versionPtr {
		fmt.Println("crasd " + version)
		return
	}

	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}
	log := logging.New(int8(*syslogMaskPtr), io.MultiWriter(fileLog, os.Stderr), false)

	cfg := config.New(log)
	cfg.StateDir = *stateDirPtr
	cfg.DeviceConfigDir = *deviceConfigDirPtr
	cfg.DSPConfig = *dspConfigPtr
	cfg.InternalUCMSuffix = *internalUCMSuffixPtr
	cfg.SyslogMask = int8(*syslogMaskPtr)
	cfg.DisableProfile = *disableProfilePtr
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err.Error())
	}

	if err := os.MkdirAll(cfg.StateDir, 0770); err != nil {
		log.Fatal("could not create state dir", "error", err.Error())
	}

	srv := server.New(log, cfg.StateDir)

	// The always-present fallback devices, per spec.md §4.6's invariant
	// that at least one enabled device of each direction exists at all
	// times.
	srv.Devices().AddFallback(empty.New(format.Output, 0))
	srv.Devices().AddFallback(empty.New(format.Input, 1))

	// Loopback taps observe whatever the real output devices actually
	// play, per spec.md §3's loopback node types.
	preMix := loopback.New(format.LoopbackPostMixPreDsp, 100)
	postDsp := loopback.New(format.LoopbackPostDsp, 101)
	srv.Devices().Add(preMix)
	srv.Devices().Add(postDsp)
	srv.AudioThread().SetLoopbackTaps(preMix, postDsp)

	discoverCards(log, srv)

	if err := srv.Listen(); err != nil {
		log.Fatal("could not listen", "error", err.Error())
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		close(stop)
	}()

	log.Info("crasd listening", "state_dir", cfg.StateDir)
	if err := srv.Run(stop); err != nil {
		log.Fatal("server exited with error", "error", err.Error())
	}
}

// discoverCards opens every ALSA card currently present and registers
// one Device per card/direction pair, mirroring revid's audio_linux.go
// card enumeration.
func discoverCards(log logging.Logger, srv *server.Server) {
	cards, err := alsa.OpenCards()
	if err != nil {
		log.Warning("alsa: could not open cards", "error", err.Error())
		return
	}
	defer alsa.CloseCards(cards)

	idx := uint32(2)
	for _, card := range cards {
		devs, err := card.Devices()
		if err != nil {
			log.Warning("alsa: could not enumerate card devices", "error", err.Error())
			continue
		}
		for _, d := range devs {
			if d.Play {
				srv.Devices().Add(alsadev.New(log, format.Output, d.Title, idx))
				idx++
			}
			if d.Record {
				srv.Devices().Add(alsadev.New(log, format.Input, d.Title, idx))
				idx++
			}
		}
	}
}
