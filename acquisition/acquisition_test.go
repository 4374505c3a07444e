package acquisition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/scopesync/acquisition"
	"github.jpl.nasa.gov/bdube/scopesync/matcher"
	"github.jpl.nasa.gov/bdube/scopesync/oscilloscope"
	"github.jpl.nasa.gov/bdube/scopesync/scope"
	"github.jpl.nasa.gov/bdube/scopesync/scope/sim"
)

func newTestEngine(t *testing.T, pulses []int) (*acquisition.Engine, *sim.Device) {
	t.Helper()
	dev := sim.NewDevice()
	dev.SetBatchSize(250)
	dev.SetChannelSignal(0, sim.SineWave(1000, 1000, 1e6))
	dev.SetChannelSignal(1, sim.PulseTrain(pulses, 5, 30000))

	w := scope.New(dev)
	require.NoError(t, w.Open("SIM"))
	done, err := w.PollOpen()
	require.NoError(t, err)
	require.True(t, done)

	cfg := acquisition.Config{
		SampleRateHz: 1e6,
		Channels: map[int]oscilloscope.ChannelConfig{
			0: {Enabled: true, Range: oscilloscope.Range5V},
			1: {Enabled: true, Range: oscilloscope.Range5V},
		},
		Trigger: oscilloscope.TriggerConfig{
			Kind:         oscilloscope.TriggerAnalog,
			Channel:      1,
			Direction:    oscilloscope.Rising,
			ThresholdRaw: 15000,
		},
		SampleKind:       oscilloscope.KindFloat,
		Capacity:         10000,
		MatcherTimeoutNs: 1e4,
	}
	e := acquisition.New(w, cfg)
	require.NoError(t, e.Start())
	return e, dev
}

func tag(name string, triggerTimeNs uint64) matcher.PropertyMap {
	return matcher.PropertyMap{
		matcher.KeyTriggerName:   name,
		matcher.KeyTriggerTime:   triggerTimeNs,
		matcher.KeyTriggerOffset: 0.0,
		matcher.KeyTriggerMeta: matcher.PropertyMap{
			matcher.MetaLocalTime: triggerTimeNs,
			matcher.MetaHWTrigger: true,
		},
	}
}

// splitSignalInfoTags separates the once-per-channel signal-info tags
// (SignalInfoID) from the matched timing tags in a streaming result.
func splitSignalInfoTags(tags []matcher.Tag) (signalInfo, matched []matcher.Tag) {
	for _, tg := range tags {
		if tg.Map[matcher.KeyTriggerName] == matcher.SignalInfoID {
			signalInfo = append(signalInfo, tg)
			continue
		}
		matched = append(matched, tg)
	}
	return signalInfo, matched
}

func TestEnginePollStreamingMatchesDetectedEdge(t *testing.T) {
	e, _ := newTestEngine(t, []int{100})

	tags := []matcher.PropertyMap{tag("EVT1", 100000)}
	res, err := e.PollStreaming(tags)
	require.NoError(t, err)

	require.Contains(t, res.Samples, 0)
	require.Contains(t, res.Samples, 1)
	assert.NotEmpty(t, res.Samples[0])

	signalInfo, matched := splitSignalInfoTags(res.Tags)
	assert.Len(t, signalInfo, 2) // one per channel (0 and 1), first publish
	require.Len(t, matched, 1)
	assert.Equal(t, 100, matched[0].Index)
}

func TestEnginePollStreamingSendsSignalInfoOncePerChannel(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	res1, err := e.PollStreaming(nil)
	require.NoError(t, err)
	signalInfo, _ := splitSignalInfoTags(res1.Tags)
	assert.Len(t, signalInfo, 2)

	res2, err := e.PollStreaming(nil)
	require.NoError(t, err)
	signalInfo2, matched2 := splitSignalInfoTags(res2.Tags)
	assert.Empty(t, signalInfo2)
	assert.Empty(t, matched2)
}

func TestEngineDropsWhenOverCapacity(t *testing.T) {
	dev := sim.NewDevice()
	dev.SetBatchSize(500)
	dev.SetChannelSignal(0, sim.SineWave(1000, 1000, 1e6))

	w := scope.New(dev)
	require.NoError(t, w.Open("SIM"))
	_, err := w.PollOpen()
	require.NoError(t, err)

	cfg := acquisition.Config{
		SampleRateHz: 1e6,
		Channels: map[int]oscilloscope.ChannelConfig{
			0: {Enabled: true, Range: oscilloscope.Range5V},
		},
		SampleKind:       oscilloscope.KindFloat,
		Capacity:         100,
		MatcherTimeoutNs: 1e4,
	}
	e := acquisition.New(w, cfg)
	require.NoError(t, e.Start())

	res, err := e.PollStreaming(nil)
	require.NoError(t, err)
	require.NotNil(t, res.Dropped)
	assert.Equal(t, 400, res.Dropped.Samples)
	assert.EqualValues(t, 400, e.SamplesDropped())
}

func TestRapidBlockArmGating(t *testing.T) {
	dev := sim.NewDevice()
	w := scope.New(dev)
	require.NoError(t, w.Open("SIM"))
	_, err := w.PollOpen()
	require.NoError(t, err)

	cfg := acquisition.Config{
		SampleRateHz: 1e6,
		Channels: map[int]oscilloscope.ChannelConfig{
			0: {Enabled: true, Range: oscilloscope.Range5V},
		},
		SampleKind: oscilloscope.KindFloat,
		RapidBlock: oscilloscope.RapidBlockConfig{PreSamples: 50, PostSamples: 50},
		ArmTrigger: "ARM",
		Trigger:    oscilloscope.TriggerConfig{Kind: oscilloscope.TriggerNone},
	}
	e := acquisition.New(w, cfg)

	// Before ARM: captures are discarded.
	e.ObserveTimingTag(tag("SOME_EVT", 1))
	ds, err := e.CompleteCapture(map[int][]int16{0: make([]int16, 100)})
	require.NoError(t, err)
	assert.Nil(t, ds)

	// ARM promotes the buffered context and subsequent captures are kept.
	e.ObserveTimingTag(tag("ARM", 2))
	assert.True(t, e.Armed())
	ds, err = e.CompleteCapture(map[int][]int16{0: make([]int16, 100)})
	require.NoError(t, err)
	require.NotNil(t, ds)
	require.Contains(t, ds, 0)
	assert.Len(t, ds[0].Values, 100)
}
