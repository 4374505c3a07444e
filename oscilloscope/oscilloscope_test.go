package oscilloscope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.jpl.nasa.gov/bdube/scopesync/oscilloscope"
)

func TestCalibrateFullScale(t *testing.T) {
	cfg := oscilloscope.ChannelConfig{
		Enabled:      true,
		Range:        oscilloscope.Range5V,
		AnalogOffset: 0,
		Coupling:     oscilloscope.CouplingDC1M,
	}
	s := oscilloscope.Calibrate(32767, cfg, 32767, 0.01)
	assert.InDelta(t, 5.0, s.Value, 1e-9)
	assert.InDelta(t, 0.05, s.Sigma, 1e-9)
	assert.Equal(t, oscilloscope.KindFloat, s.Kind)
}

func TestCalibrateWithOffset(t *testing.T) {
	// SignalOffset, not AnalogOffset, drives Calibrate's output: AnalogOffset
	// is sent to the device itself and plays no part in the calibration math.
	cfg := oscilloscope.ChannelConfig{Range: oscilloscope.Range1V, AnalogOffset: -0.5, SignalOffset: -0.5}
	s := oscilloscope.Calibrate(0, cfg, 32767, 0.02)
	assert.InDelta(t, -0.5, s.Value, 1e-9)
}

func TestCalibrateAppliesSignalScale(t *testing.T) {
	cfg := oscilloscope.ChannelConfig{Range: oscilloscope.Range1V, SignalScale: 2}
	s := oscilloscope.Calibrate(16384, cfg, 32768, 0)
	assert.InDelta(t, 1.0, s.Value, 1e-3)
}

func TestChannelConfigDirtyTracking(t *testing.T) {
	cfg := &oscilloscope.ChannelConfig{}
	assert.False(t, cfg.Dirty())
	cfg.MarkDirty()
	assert.True(t, cfg.Dirty())
	cfg.Clean()
	assert.False(t, cfg.Dirty())
}

func TestTriggerConfigValidate(t *testing.T) {
	ok := oscilloscope.TriggerConfig{Kind: oscilloscope.TriggerAnalog, Direction: oscilloscope.Rising}
	assert.NoError(t, ok.Validate())

	badDigital := oscilloscope.TriggerConfig{Kind: oscilloscope.TriggerDigital, BitIndex: 99}
	assert.Error(t, badDigital.Validate())

	none := oscilloscope.TriggerConfig{Kind: oscilloscope.TriggerNone}
	assert.NoError(t, none.Validate())
}
