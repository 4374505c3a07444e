// Package oscilloscope defines the data model shared by the device driver
// wrapper, the acquisition engine, and the timing matcher: sample kinds,
// channel/trigger configuration, and acquisition modes.
package oscilloscope

import "fmt"

// Range enumerates the supported vertical full-scale ranges, in volts.
type Range float64

// Supported vertical ranges. Device families are free to reject a subset of
// these; the engine never invents a value outside this set.
const (
	Range10mV  Range = 0.010
	Range20mV  Range = 0.020
	Range50mV  Range = 0.050
	Range100mV Range = 0.100
	Range200mV Range = 0.200
	Range500mV Range = 0.500
	Range1V    Range = 1
	Range2V    Range = 2
	Range5V    Range = 5
	Range10V   Range = 10
	Range20V   Range = 20
	Range50V   Range = 50
	Range100V  Range = 100
	Range200V  Range = 200
	Range500V  Range = 500
)

// Coupling selects the input coupling network for an analog channel.
type Coupling int

const (
	CouplingAC Coupling = iota
	CouplingDC1M
	CouplingDC50R
)

func (c Coupling) String() string {
	switch c {
	case CouplingAC:
		return "AC"
	case CouplingDC1M:
		return "DC_1M"
	case CouplingDC50R:
		return "DC_50R"
	default:
		return "unknown"
	}
}

// ChannelConfig is the user-facing configuration of one analog input.
// A changed channel reaches the device through scope.Wrapper.ConfigureChannel,
// which queues it for the next poll and restarts an active acquisition.
// Mutating a field does not set the dirty flag; MarkDirty, Dirty and Clean
// manage it explicitly and the driver wrapper does not read it.
type ChannelConfig struct {
	Enabled      bool
	Range        Range
	AnalogOffset float64
	Coupling     Coupling

	// SignalScale/SignalOffset are a post-calibration linear transform
	// applied on top of the raw-to-volts conversion, distinct from
	// AnalogOffset (which is sent to the device itself). SignalScale of 0
	// is treated as 1 (unset).
	SignalScale float64
	SignalOffset float64

	// SignalName/SignalUnit/SignalQuantity describe the channel's physical
	// meaning and are carried once per channel per acquisition in the
	// signal-info tag.
	SignalName     string
	SignalUnit     string
	SignalQuantity string

	dirty bool
}

// MarkDirty sets the channel's dirty flag.
func (c *ChannelConfig) MarkDirty() { c.dirty = true }

// Dirty reports whether the channel has pending changes.
func (c *ChannelConfig) Dirty() bool { return c.dirty }

// Clean clears the dirty flag.
func (c *ChannelConfig) Clean() { c.dirty = false }

// Direction is a trigger slope/level condition.
type Direction int

const (
	Rising Direction = iota
	Falling
	High
	Low
)

func (d Direction) String() string {
	switch d {
	case Rising:
		return "Rising"
	case Falling:
		return "Falling"
	case High:
		return "High"
	case Low:
		return "Low"
	default:
		return "unknown"
	}
}

// TriggerKind distinguishes the trigger union's active variant.
type TriggerKind int

const (
	TriggerNone TriggerKind = iota
	TriggerAnalog
	TriggerDigital
)

// TriggerConfig is a tagged union: exactly one of the Analog/Digital field
// groups is meaningful, selected by Kind.
type TriggerConfig struct {
	Kind TriggerKind

	// Analog fields, valid when Kind == TriggerAnalog.
	Channel       int
	Direction     Direction
	ThresholdRaw  int16
	Delay         int
	AutoTriggerMs int

	// Digital fields, valid when Kind == TriggerDigital.
	BitIndex int

	dirty bool
}

// MarkDirty sets the trigger's dirty flag.
func (t *TriggerConfig) MarkDirty() { t.dirty = true }

// Dirty reports whether the trigger has pending changes.
func (t *TriggerConfig) Dirty() bool { return t.dirty }

// Clean clears the dirty flag.
func (t *TriggerConfig) Clean() { t.dirty = false }

// Validate rejects configurations the driver wrapper cannot represent.
func (t TriggerConfig) Validate() error {
	switch t.Kind {
	case TriggerNone:
		return nil
	case TriggerAnalog:
		if t.Direction != Rising && t.Direction != Falling && t.Direction != High && t.Direction != Low {
			return fmt.Errorf("oscilloscope: invalid analog trigger direction %d", t.Direction)
		}
		return nil
	case TriggerDigital:
		if t.BitIndex < 0 || t.BitIndex > 15 {
			return fmt.Errorf("oscilloscope: digital trigger bit index %d out of range", t.BitIndex)
		}
		return nil
	default:
		return fmt.Errorf("oscilloscope: unknown trigger kind %d", t.Kind)
	}
}

// Mode selects the acquisition strategy.
type Mode int

const (
	ModeStreaming Mode = iota
	ModeRapidBlock
)

// RapidBlockConfig configures a triggered, multi-segment acquisition.
type RapidBlockConfig struct {
	PreSamples  int
	PostSamples int
	NCaptures   int
	TriggerOnce bool
}

// SampleKind identifies which concrete representation a Sample carries. The
// engine is parameterized by exactly one kind for its lifetime.
type SampleKind int

const (
	// KindRawInt16 carries the ADC code, unconverted.
	KindRawInt16 SampleKind = iota
	// KindFloat carries a calibrated value in physical units.
	KindFloat
	// KindUncertainFloat carries a calibrated value plus a worst-case
	// uncertainty estimate, also in physical units.
	KindUncertainFloat
)

// Sample is a scalar produced by the acquisition engine. Only the field(s)
// matching Kind are meaningful; the zero value of the others is ignored.
type Sample struct {
	Kind  SampleKind
	Raw   int16
	Value float64
	Sigma float64
}

// Calibrate converts a raw ADC code to physical units:
// y = signal_offset + signal_scale * (range / maxADCValue) * raw.
func Calibrate(raw int16, cfg ChannelConfig, maxADCValue int16, gainErrorFraction float64) Sample {
	scale := cfg.SignalScale
	if scale == 0 {
		scale = 1
	}
	voltsPerCode := float64(cfg.Range) / float64(maxADCValue)
	value := cfg.SignalOffset + scale*voltsPerCode*float64(raw)
	return Sample{
		Kind:  KindFloat,
		Raw:   raw,
		Value: value,
		Sigma: gainErrorFraction * float64(cfg.Range),
	}
}

// SignalInfo describes a channel's physical meaning, attached to the output
// stream once per channel per acquisition as a "signal info" tag.
type SignalInfo struct {
	Name       string
	SampleRate float64
	Quantity   string
	Unit       string
	Min        float64
	Max        float64
}

// DataSet is the rapid-block output container: one fixed-length segment
// worth of a single channel's samples, with a time axis and metadata.
type DataSet struct {
	// TimeAxis holds one relative-time value per sample, in seconds, with
	// index PreSamples corresponding to t=0 (the trigger position).
	TimeAxis []float64
	Values   []Sample
	Info     SignalInfo

	// TimingEvents holds the matched tags attached to this capture by the
	// matcher; index 0 is the channel's own timing-event collection per the
	// engine's rapid-block contract.
	TimingEvents [][]MatchedTagRef
}

// MatchedTagRef avoids an import cycle with package matcher: the
// acquisition engine fills this in from a matcher.Tag.
type MatchedTagRef struct {
	Index int
	Map   map[string]interface{}
}
