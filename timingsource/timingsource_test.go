package timingsource_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/scopesync/matcher"
	"github.jpl.nasa.gov/bdube/scopesync/timingsource"
)

type fakeReceiver struct {
	events     []timingsource.HardwareEvent
	registered []timingsource.Filter
}

func (f *fakeReceiver) RegisterCondition(filt timingsource.Filter) error {
	f.registered = append(f.registered, filt)
	return nil
}

func (f *fakeReceiver) WriteOutput(pin int, high bool) error { return nil }

func (f *fakeReceiver) NowTAI() time.Time { return time.Unix(0, 1000000000) }

func (f *fakeReceiver) PollEvents() []timingsource.HardwareEvent {
	out := f.events
	f.events = nil
	return out
}

func TestSourceCompilesRulesAndRegistersConditions(t *testing.T) {
	fr := &fakeReceiver{}
	cfg := timingsource.Config{
		EventActions: []string{"5:12 -> PUBLISH()"},
		SampleRateHz: 0,
		MaxDelay:     time.Second,
	}
	src, err := timingsource.New(fr, cfg)
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Len(t, fr.registered, 1)
}

func TestSourceRejectsMalformedEventAction(t *testing.T) {
	fr := &fakeReceiver{}
	cfg := timingsource.Config{EventActions: []string{"not a rule"}}
	_, err := timingsource.New(fr, cfg)
	assert.Error(t, err)
}

func TestSourceDrainBuildsTags(t *testing.T) {
	fr := &fakeReceiver{events: []timingsource.HardwareEvent{
		{ID: 5<<48 | 12<<32, TimeNs: 1000, LocalTimeNs: 1000, EventName: "EVT_A"},
	}}
	cfg := timingsource.Config{EventActions: []string{"5:12 -> PUBLISH()"}, MaxDelay: time.Second}
	src, err := timingsource.New(fr, cfg)
	require.NoError(t, err)

	src.PollOnce()

	tags, _, _ := src.Drain(0)
	require.Len(t, tags, 1)
	assert.Equal(t, "EVT_A", tags[0][matcher.KeyTriggerName])
	meta := tags[0][matcher.KeyTriggerMeta].(matcher.PropertyMap)
	assert.Equal(t, true, meta[matcher.MetaHWTrigger])
}

func TestSourceDrainIOEdgeTracksState(t *testing.T) {
	fr := &fakeReceiver{events: []timingsource.HardwareEvent{
		{TimeNs: 500, IsIOEdge: true, IOPin: 2, IORising: true},
	}}
	cfg := timingsource.Config{IOEvents: true, MaxDelay: time.Second}
	src, err := timingsource.New(fr, cfg)
	require.NoError(t, err)

	src.PollOnce()
	tags, _, ioState := src.Drain(0)
	require.Len(t, tags, 1)
	assert.Equal(t, "IOn_RISING", tags[0][matcher.KeyTriggerName])
	assert.Equal(t, uint32(1<<2), ioState)
}
