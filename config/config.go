// Package config loads the YAML configuration surface for scopesyncd: the
// acquisition engine's settings (§6) and the timing source's event-action
// rules, following the andor-http / envsrv convention of koanf defaults
// overlaid by an optional file on disk.
package config

import (
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"
)

// ChannelConfig is one analog channel's configuration: one entry of the
// Acquisition.Channels list, with ID selecting the channel.
type ChannelConfig struct {
	ID           int     `yaml:"id"`
	Range        float64 `yaml:"range"`
	AnalogOffset float64 `yaml:"analogOffset"`
	Coupling     string  `yaml:"coupling"`

	SignalName     string  `yaml:"signalName"`
	SignalUnit     string  `yaml:"signalUnit"`
	SignalQuantity string  `yaml:"signalQuantity"`
	SignalScale    float64 `yaml:"signalScale"`
	SignalOffset   float64 `yaml:"signalOffset"`
}

// Acquisition is the acquisition engine's configuration surface (§6).
type Acquisition struct {
	SerialNumber string  `yaml:"serialNumber"`
	SampleRate   float64 `yaml:"sampleRate"`

	// DeviceAddr, when set, dials a SCPI bench oscilloscope at this TCP
	// address instead of using the built-in simulator.
	DeviceAddr string `yaml:"deviceAddr"`

	PreSamples   int  `yaml:"preSamples"`
	PostSamples  int  `yaml:"postSamples"`
	NCaptures    int  `yaml:"nCaptures"`
	TriggerOnce  bool `yaml:"triggerOnce"`
	AutoArm      bool `yaml:"autoArm"`

	Channels []ChannelConfig `yaml:"channels"`

	// TriggerSource is the channel_id used as the analog trigger channel, or
	// -1 when no trigger is configured (free-running streaming).
	TriggerSource    int     `yaml:"triggerSource"`
	TriggerThreshold float64 `yaml:"triggerThreshold"`
	TriggerDirection string  `yaml:"triggerDirection"`
	TriggerFilter    string  `yaml:"triggerFilter"`
	TriggerArm       string  `yaml:"triggerArm"`
	TriggerDisarm    string  `yaml:"triggerDisarm"`

	DigitalPortEnable       bool `yaml:"digitalPortEnable"`
	DigitalPortInvertOutput bool `yaml:"digitalPortInvertOutput"`

	MatcherTimeout float64 `yaml:"matcherTimeout"`
	VerboseConsole bool    `yaml:"verboseConsole"`
}

// TimingSource is the timing event source's configuration surface (§6).
type TimingSource struct {
	EventActions   []string `yaml:"eventActions"`
	IOEvents       bool     `yaml:"ioEvents"`
	SampleRate     float64  `yaml:"sampleRate"`
	TimingDevice   string   `yaml:"timingDevice"`
	MaxDelayMs     int      `yaml:"maxDelayMs"`
	VerboseConsole bool     `yaml:"verboseConsole"`
}

// Config is the top-level scopesyncd configuration file.
type Config struct {
	Addr         string       `yaml:"addr"`
	Acquisition  Acquisition  `yaml:"acquisition"`
	TimingSource TimingSource `yaml:"timingSource"`
}

// Defaults returns the configuration used when no file is present or a key
// is left unset, mirroring andor-http's setupconfig().
func Defaults() Config {
	return Config{
		Addr: ":8080",
		Acquisition: Acquisition{
			SerialNumber:     "auto",
			SampleRate:       1e6,
			NCaptures:        1,
			TriggerSource:    -1,
			TriggerDirection: "rising",
			MatcherTimeout:   1e4,
		},
		TimingSource: TimingSource{
			MaxDelayMs: 100,
		},
	}
}

// Load reads path (if present) over Defaults(), the way andor-http's
// setupconfig loads its file.Provider over structs.Provider: a missing file
// is not an error, any other parse failure is.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "yaml"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return Config{}, err
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write serializes cfg to path as YAML, the way andor-http's mkconf command
// emits its prepopulated default file.
func Write(path string, cfg Config) error {
	b, err := yml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0666)
}

// Encode writes cfg as YAML to w, the way andor-http's printconf streams
// the active configuration to stdout.
func Encode(w io.Writer, cfg Config) error {
	return yml.NewEncoder(w).Encode(cfg)
}
