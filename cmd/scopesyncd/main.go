// Command scopesyncd runs the oscilloscope acquisition engine and timing
// matcher as an HTTP-monitored daemon, the way the teacher's cmd/*
// binaries (andor-http, dacsrv) wrap a device behind a small CLI plus a
// chi-routed control surface.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.jpl.nasa.gov/bdube/scopesync/acquisition"
	"github.jpl.nasa.gov/bdube/scopesync/config"
	"github.jpl.nasa.gov/bdube/scopesync/oscilloscope"
	"github.jpl.nasa.gov/bdube/scopesync/scope"
	"github.jpl.nasa.gov/bdube/scopesync/scope/bench"
	"github.jpl.nasa.gov/bdube/scopesync/scope/sim"
	"github.jpl.nasa.gov/bdube/scopesync/server"
	"github.jpl.nasa.gov/bdube/scopesync/timingsource"
	timingsim "github.jpl.nasa.gov/bdube/scopesync/timingsource/sim"
	"github.jpl.nasa.gov/bdube/scopesync/util"
)

// ConfigFileName is the YAML file scopesyncd reads its configuration from,
// relative to the working directory, mirroring andor-http's convention.
const ConfigFileName = "scopesync.yml"

// Version is injected via ldflags with git build, as in the teacher's cmd/
// binaries.
var Version = "1"

func root() {
	fmt.Println(`scopesyncd synchronizes oscilloscope acquisitions with White Rabbit
timing events over HTTP.

Usage:
	scopesyncd <command>

Commands:
	run
	help
	mkconf
	conf
	version`)
}

func help() {
	fmt.Println(`scopesyncd is configured via its YAML file. When no file is present, the
built-in defaults are used. The command mkconf writes the default
configuration to scopesync.yml so it can be edited in place.`)
}

func mkconf() {
	if err := config.Write(ConfigFileName, config.Defaults()); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	cfg, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	if err := config.Encode(os.Stdout, cfg); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("scopesyncd version %v\n", Version)
}

// buildDevice returns the scope.Device backing this acquisition: a SCPI
// bench oscilloscope when device_addr is configured, the same way sdk3.Open
// binds an Andor camera in andor-http's run(), or the in-process simulator
// otherwise so scopesyncd runs with no hardware attached.
func buildDevice(cfg config.Acquisition) scope.Device {
	if cfg.DeviceAddr != "" {
		return bench.NewTCPDevice(cfg.DeviceAddr, true)
	}
	dev := sim.NewDevice()
	dev.SetChannelSignal(0, sim.SineWave(1000, 1000, 1e6))
	return dev
}

func acquisitionConfig(cfg config.Acquisition) acquisition.Config {
	channels := make(map[int]oscilloscope.ChannelConfig, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		coupling := oscilloscope.CouplingDC1M
		switch strings.ToUpper(ch.Coupling) {
		case "AC":
			coupling = oscilloscope.CouplingAC
		case "DC_50R":
			coupling = oscilloscope.CouplingDC50R
		}
		channels[ch.ID] = oscilloscope.ChannelConfig{
			Enabled:      true,
			Range:        oscilloscope.Range(ch.Range),
			AnalogOffset: ch.AnalogOffset,
			Coupling:     coupling,

			SignalScale:    ch.SignalScale,
			SignalOffset:   ch.SignalOffset,
			SignalName:     ch.SignalName,
			SignalUnit:     ch.SignalUnit,
			SignalQuantity: ch.SignalQuantity,
		}
	}

	trigger := oscilloscope.TriggerConfig{Kind: oscilloscope.TriggerNone}
	if cfg.TriggerSource >= 0 && len(channels) > 0 {
		dir := oscilloscope.Rising
		switch strings.ToLower(cfg.TriggerDirection) {
		case "falling":
			dir = oscilloscope.Falling
		case "high":
			dir = oscilloscope.High
		case "low":
			dir = oscilloscope.Low
		}
		// TriggerThreshold is configured in raw ADC codes; clamp to what
		// an int16 field can hold rather than silently wrapping a
		// misconfigured out-of-range value.
		threshold := util.Clamp(cfg.TriggerThreshold, -32767, 32767)
		trigger = oscilloscope.TriggerConfig{
			Kind:         oscilloscope.TriggerAnalog,
			Channel:      cfg.TriggerSource,
			Direction:    dir,
			ThresholdRaw: int16(threshold),
		}
	}

	return acquisition.Config{
		SerialNumber: cfg.SerialNumber,
		SampleRateHz: cfg.SampleRate,
		Channels:     channels,
		Trigger:      trigger,
		SampleKind:   oscilloscope.KindFloat,
		Capacity:     int(cfg.SampleRate), // one second of headroom
		MatcherTimeoutNs: cfg.MatcherTimeout,
		RapidBlock: oscilloscope.RapidBlockConfig{
			PreSamples:  cfg.PreSamples,
			PostSamples: cfg.PostSamples,
			NCaptures:   cfg.NCaptures,
			TriggerOnce: cfg.TriggerOnce,
		},
		ArmTrigger:    cfg.TriggerArm,
		DisarmTrigger: cfg.TriggerDisarm,
	}
}

func timingSourceConfig(cfg config.TimingSource) timingsource.Config {
	return timingsource.Config{
		EventActions: cfg.EventActions,
		IOEvents:     cfg.IOEvents,
		SampleRateHz: cfg.SampleRate,
		TimingDevice: cfg.TimingDevice,
		MaxDelay:     time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Verbose:      cfg.VerboseConsole,
	}
}

func run() {
	cfg, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}

	dev := buildDevice(cfg.Acquisition)
	w := scope.New(dev)
	if err := w.Open(cfg.Acquisition.SerialNumber); err != nil {
		log.Fatal(err)
	}
	for {
		done, err := w.PollOpen()
		if err != nil {
			log.Fatal(err)
		}
		if done {
			break
		}
	}
	id := w.Identity()
	log.Printf("connected to %s SN %s\n", id.Model, id.Serial)

	engine := acquisition.New(w, acquisitionConfig(cfg.Acquisition))
	if err := engine.Start(); err != nil {
		log.Fatal(err)
	}

	receiver := timingsim.NewReceiver(time.Now())
	source, err := timingsource.New(receiver, timingSourceConfig(cfg.TimingSource))
	if err != nil {
		log.Fatal(err)
	}
	go source.Run()

	var ioState uint32
	stream := time.NewTicker(10 * time.Millisecond)
	defer stream.Stop()
	go func() {
		for range stream.C {
			tags, _, st := source.Drain(ioState)
			ioState = st
			res, err := engine.PollStreaming(tags)
			if err != nil {
				log.Println("poll error:", err)
				continue
			}
			if res.Dropped != nil {
				color.Red("dropped %d samples", res.Dropped.Samples)
			}
			if cfg.Acquisition.VerboseConsole {
				for _, msg := range res.Messages {
					color.Yellow(msg.Text)
				}
			}
		}
	}()

	mf := server.NewMainframe()
	mf.Mount("/scope", &server.Monitor{Engine: engine, Config: cfg.Acquisition})
	mux := mf.Router()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGABRT, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sig
		source.Stop()
		w.Stop()
		w.Close()
		os.Exit(0)
	}()

	log.Println("scopesyncd listening at", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, mux))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
