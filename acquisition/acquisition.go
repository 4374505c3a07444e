// Package acquisition implements the acquisition engine: it orchestrates a
// scope.Wrapper, converts raw ADC batches into calibrated, tag-annotated
// sample streams, detects trigger-channel edges, and calls the timing
// matcher once per processed chunk. It supports both a continuous
// streaming mode and a triggered rapid-block mode.
package acquisition

import (
	"fmt"

	"github.jpl.nasa.gov/bdube/scopesync/matcher"
	"github.jpl.nasa.gov/bdube/scopesync/oscilloscope"
	"github.jpl.nasa.gov/bdube/scopesync/scope"
)

// Config is the engine's static configuration surface (§6 of the
// acquisition specification this engine implements).
type Config struct {
	SerialNumber string

	SampleRateHz float64

	Channels map[int]oscilloscope.ChannelConfig
	Trigger  oscilloscope.TriggerConfig

	SampleKind oscilloscope.SampleKind

	// Capacity bounds the number of not-yet-published samples the engine
	// will hold per channel before it must drop the overflow.
	Capacity int

	MatcherTimeoutNs float64

	// Rapid-block-only fields.
	RapidBlock  oscilloscope.RapidBlockConfig
	ArmTrigger  string
	DisarmTrigger string
}

// Dropped is emitted when the engine had to discard samples because the
// vendor delivered more than Capacity could hold.
type Dropped struct {
	Samples int
}

// StreamingResult is the output of one PollStreaming call.
type StreamingResult struct {
	// Samples holds, per channel, the newly published calibrated samples.
	Samples map[int][]oscilloscope.Sample
	Tags    []matcher.Tag
	Dropped *Dropped
	Messages []matcher.Message
}

// Engine is parameterized by exactly one SampleKind for its lifetime, per
// the specification's data model.
type Engine struct {
	Wrapper *scope.Wrapper
	Matcher *matcher.Matcher
	Config  Config

	achievedRateHz float64

	// per-channel sample buffers holding not-yet-published calibrated
	// samples (the "unpublished_samples" region).
	buffers map[int][]oscilloscope.Sample
	rawBuffers map[int][]int16

	acqStartTimeNs int64
	samplesDropped uint64

	triggerState bool
	signalInfoSent map[int]bool

	// rapid-block state
	armed             bool
	nextTimingTags    []matcher.PropertyMap
	currentTimingTags []matcher.PropertyMap
	captureIndex      int
}

// New constructs an Engine. Start must be called before PollStreaming or
// PollRapidBlock.
func New(w *scope.Wrapper, cfg Config) *Engine {
	return &Engine{
		Wrapper:        w,
		Matcher:        matcher.New(cfg.SampleRateHz, cfg.MatcherTimeoutNs),
		Config:         cfg,
		buffers:        make(map[int][]oscilloscope.Sample),
		rawBuffers:     make(map[int][]int16),
		signalInfoSent: make(map[int]bool),
	}
}

// Start applies the configured channels/trigger and begins a streaming
// acquisition.
func (e *Engine) Start() error {
	for idx, cfg := range e.Config.Channels {
		e.Wrapper.ConfigureChannel(idx, cfg)
	}
	if err := e.Wrapper.ConfigureTrigger(e.Config.Trigger); err != nil {
		return err
	}
	enableDigital := e.Config.Trigger.Kind == oscilloscope.TriggerDigital
	rate, err := e.Wrapper.StartStreaming(e.Config.SampleRateHz, enableDigital)
	if err != nil {
		return err
	}
	e.achievedRateHz = rate
	e.Matcher.SampleRateHz = rate
	return nil
}

// StartRapidBlock begins a triggered, multi-segment acquisition. onCapture is
// invoked once per completed segment with its raw per-channel samples.
func (e *Engine) StartRapidBlock(onCapture func(perChannel map[int][]int16)) error {
	for idx, cfg := range e.Config.Channels {
		e.Wrapper.ConfigureChannel(idx, cfg)
	}
	if err := e.Wrapper.ConfigureTrigger(e.Config.Trigger); err != nil {
		return err
	}
	enableDigital := e.Config.Trigger.Kind == oscilloscope.TriggerDigital
	ready := func(capture int) {
		spans, err := e.Wrapper.GetValuesBulk(capture)
		if err != nil {
			return
		}
		e.captureIndex = capture
		onCapture(spans)
	}
	rate, err := e.Wrapper.StartTriggered(e.Config.SampleRateHz, e.Config.RapidBlock, ready, enableDigital)
	if err != nil {
		return err
	}
	e.achievedRateHz = rate
	e.Matcher.SampleRateHz = rate
	return nil
}

// bandFraction is the hysteresis band width, as a fraction of a channel's
// vertical range, used when detecting edges on an analog trigger channel.
const bandFraction = 0.01

// PollStreaming drives one driver progress step, calibrates whatever new
// samples arrived, detects edges on the configured trigger channel, and
// matches them against tags (the timing events accumulated since the
// previous call, in trigger_time order).
func (e *Engine) PollStreaming(tags []matcher.PropertyMap) (StreamingResult, error) {
	var overflow uint32
	var newRaw map[int][]int16
	err := e.Wrapper.Poll(func(spans map[int][]int16, ov uint32) {
		newRaw = spans
		overflow = ov
	})
	if err != nil {
		return StreamingResult{}, err
	}
	if newRaw == nil {
		return StreamingResult{}, nil
	}

	newCount := 0
	for _, v := range newRaw {
		if len(v) > newCount {
			newCount = len(v)
		}
	}

	result := StreamingResult{Samples: make(map[int][]oscilloscope.Sample)}

	for idx, raw := range newRaw {
		e.rawBuffers[idx] = append(e.rawBuffers[idx], raw...)
	}

	unpublished := 0
	for _, buf := range e.rawBuffers {
		if len(buf) > unpublished {
			unpublished = len(buf)
		}
	}

	if e.Config.Capacity > 0 && unpublished > e.Config.Capacity {
		dropped := unpublished - e.Config.Capacity
		for idx := range e.rawBuffers {
			e.rawBuffers[idx] = e.rawBuffers[idx][:e.Config.Capacity]
		}
		unpublished = e.Config.Capacity
		e.samplesDropped += uint64(dropped)
		e.Matcher.Reset()
		result.Dropped = &Dropped{Samples: dropped}
	}

	startState := e.triggerState
	edges := e.detectEdges(e.rawBuffers)

	mres := e.Matcher.Match(tags, edges, unpublished, e.acqStartTimeNs)

	// Samples past ProcessedSamples stay buffered and are scanned again next
	// call, so carry forward the trigger state at the end of the published
	// samples rather than at the end of the buffer.
	e.triggerState = startState
	published := make(map[int][]int16, len(e.rawBuffers))
	for idx, raw := range e.rawBuffers {
		n := mres.ProcessedSamples
		if n > len(raw) {
			n = len(raw)
		}
		published[idx] = raw[:n]
	}
	e.detectEdges(published)

	var signalTags []matcher.Tag
	for _, idx := range sortedChannelIndices(e.rawBuffers) {
		raw := e.rawBuffers[idx]
		n := mres.ProcessedSamples
		if n > len(raw) {
			n = len(raw)
		}
		cfg := e.Config.Channels[idx]
		out := make([]oscilloscope.Sample, n)
		for i := 0; i < n; i++ {
			out[i] = e.calibrate(raw[i], cfg)
		}
		if channelOverflowed(overflow, idx) && n > 0 {
			result.Messages = append(result.Messages, matcher.Message{
				Severity: matcher.SeverityWarning,
				Text:     fmt.Sprintf("channel %d over-range", idx),
			})
		}
		if !e.signalInfoSent[idx] && n > 0 {
			e.signalInfoSent[idx] = true
			signalTags = append(signalTags, e.signalInfoTag(idx, cfg))
		}
		result.Samples[idx] = out
		e.rawBuffers[idx] = raw[n:]
	}

	// The signal-info tag for each channel is prepended to the matched
	// timing tags the first time that channel publishes a sample.
	result.Tags = append(signalTags, mres.Tags...)
	result.Messages = append(result.Messages, mres.Messages...)

	e.acqStartTimeNs += int64(float64(mres.ProcessedSamples) / e.achievedRateHz * 1e9)

	return result, nil
}

// signalInfoTag builds the per-channel signal-info tag sent once per
// channel per acquisition: its physical meaning and the calibrated range
// the device can report, derived the same way the matched offset/range of
// signal_offsets/channel_ranges feed the original signal-name/min/max tag.
func (e *Engine) signalInfoTag(idx int, cfg oscilloscope.ChannelConfig) matcher.Tag {
	return matcher.Tag{
		Index: 0,
		Map: matcher.PropertyMap{
			matcher.KeyTriggerName:   matcher.SignalInfoID,
			matcher.KeySignalName:    cfg.SignalName,
			matcher.KeySampleRate:    e.achievedRateHz,
			matcher.KeySignalQuantity: cfg.SignalQuantity,
			matcher.KeySignalUnit:    cfg.SignalUnit,
			matcher.KeySignalMin:     cfg.SignalOffset - float64(cfg.Range),
			matcher.KeySignalMax:     cfg.SignalOffset + float64(cfg.Range),
		},
	}
}

// sortedChannelIndices returns raw's keys in ascending order so streaming
// output (signal-info tags, sample batches) is produced deterministically
// instead of following Go's randomized map iteration order.
func sortedChannelIndices(raw map[int][]int16) []int {
	out := make([]int, 0, len(raw))
	for idx := range raw {
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func channelOverflowed(bitmap uint32, idx int) bool {
	if idx < 0 || idx > 31 {
		return false
	}
	return bitmap&(1<<uint(idx)) != 0
}

func (e *Engine) calibrate(raw int16, cfg oscilloscope.ChannelConfig) oscilloscope.Sample {
	maxADC := e.Wrapper.MaxADCValue()
	switch e.Config.SampleKind {
	case oscilloscope.KindRawInt16:
		return oscilloscope.Sample{Kind: oscilloscope.KindRawInt16, Raw: raw}
	case oscilloscope.KindUncertainFloat:
		s := oscilloscope.Calibrate(raw, cfg, maxADC, e.Wrapper.GainErrorFraction())
		s.Kind = oscilloscope.KindUncertainFloat
		return s
	default:
		s := oscilloscope.Calibrate(raw, cfg, maxADC, e.Wrapper.GainErrorFraction())
		s.Kind = oscilloscope.KindFloat
		return s
	}
}

// detectEdges scans the configured trigger channel for transitions in the
// configured direction, applying a 1%-of-range hysteresis band so noise
// near the threshold does not produce spurious double-edges.
func (e *Engine) detectEdges(raw map[int][]int16) []int {
	trig := e.Config.Trigger
	if trig.Kind == oscilloscope.TriggerNone {
		return nil
	}

	var edges []int

	if trig.Kind == oscilloscope.TriggerDigital {
		samples, ok := raw[trig.BitIndex/16]
		if !ok {
			return nil
		}
		bit := uint16(1) << uint(trig.BitIndex%16)
		for i, v := range samples {
			level := uint16(v)&bit != 0
			edges = e.stepHysteresisDigital(i, level, trig.Direction, edges)
		}
		return edges
	}

	samples, ok := raw[trig.Channel]
	if !ok {
		return nil
	}
	cfg := e.Config.Channels[trig.Channel]
	band := bandFraction * float64(cfg.Range)
	thresholdRaw := float64(trig.ThresholdRaw)
	maxADC := float64(e.Wrapper.MaxADCValue())
	bandRaw := band / (float64(cfg.Range) / maxADC)

	for i, v := range samples {
		fv := float64(v)
		switch trig.Direction {
		case oscilloscope.Rising, oscilloscope.High:
			if !e.triggerState && fv >= thresholdRaw {
				edges = append(edges, i)
				e.triggerState = true
			} else if e.triggerState && fv <= thresholdRaw-bandRaw {
				e.triggerState = false
			}
		case oscilloscope.Falling, oscilloscope.Low:
			if !e.triggerState && fv <= thresholdRaw {
				edges = append(edges, i)
				e.triggerState = true
			} else if e.triggerState && fv >= thresholdRaw+bandRaw {
				e.triggerState = false
			}
		}
	}
	return edges
}

func (e *Engine) stepHysteresisDigital(i int, level bool, dir oscilloscope.Direction, edges []int) []int {
	switch dir {
	case oscilloscope.Rising, oscilloscope.High:
		if !e.triggerState && level {
			edges = append(edges, i)
		}
	case oscilloscope.Falling, oscilloscope.Low:
		if e.triggerState && !level {
			edges = append(edges, i)
		}
	}
	e.triggerState = level
	return edges
}

// SamplesDropped returns the running total of samples discarded for lack of
// buffer capacity.
func (e *Engine) SamplesDropped() uint64 { return e.samplesDropped }

// AchievedSampleRateHz returns the rate actually selected by the device,
// which downstream arithmetic must use instead of the requested rate.
func (e *Engine) AchievedSampleRateHz() float64 { return e.achievedRateHz }

// --- Rapid-block gating -----------------------------------------------

// ObserveTimingTag feeds one timing-source tag into the arm/disarm gate.
// While disarmed, tags are buffered into the next capture's context; an arm
// event promotes that buffer to the active context.
func (e *Engine) ObserveTimingTag(tag matcher.PropertyMap) {
	name, _ := tag[matcher.KeyTriggerName].(string)
	switch name {
	case e.Config.ArmTrigger:
		e.armed = true
		e.currentTimingTags = e.nextTimingTags
		e.nextTimingTags = nil
	case e.Config.DisarmTrigger:
		e.armed = false
	}
	if !e.armed {
		e.nextTimingTags = append(e.nextTimingTags, tag)
	} else {
		e.currentTimingTags = append(e.currentTimingTags, tag)
	}
}

// Armed reports whether the engine is currently accepting rapid-block
// captures into the emitted output (as opposed to discarding them while
// waiting for an ARM event).
func (e *Engine) Armed() bool { return e.armed }

// CompleteCapture runs the matcher against the currently buffered timing
// tags for one finished rapid-block segment and builds its DataSet, per
// channel. Capture data is discarded (returns nil, nil) when the engine is
// not armed.
func (e *Engine) CompleteCapture(perChannel map[int][]int16) (map[int]oscilloscope.DataSet, error) {
	if !e.armed {
		return nil, nil
	}

	e.Matcher.Reset()

	pre := e.Config.RapidBlock.PreSamples
	post := e.Config.RapidBlock.PostSamples
	chunkLen := pre + post

	edges := []int{pre}
	if trigCh, ok := perChannel[e.Config.Trigger.Channel]; ok && e.Config.Trigger.Kind == oscilloscope.TriggerAnalog {
		detected := e.detectEdges(map[int][]int16{e.Config.Trigger.Channel: trigCh})
		for _, ed := range detected {
			if ed != pre {
				edges = append(edges, ed)
			}
		}
	}

	mres := e.Matcher.Match(e.currentTimingTags, sortedUnique(edges), chunkLen, e.acqStartTimeNs)
	e.currentTimingTags = nil

	out := make(map[int]oscilloscope.DataSet, len(perChannel))
	for idx, raw := range perChannel {
		cfg := e.Config.Channels[idx]
		values := make([]oscilloscope.Sample, len(raw))
		axis := make([]float64, len(raw))
		for i, r := range raw {
			values[i] = e.calibrate(r, cfg)
			axis[i] = float64(i-pre) / e.achievedRateHz
		}
		var min, max float64
		for i, v := range values {
			if i == 0 || v.Value < min {
				min = v.Value
			}
			if i == 0 || v.Value > max {
				max = v.Value
			}
		}
		name := cfg.SignalName
		if name == "" {
			name = fmt.Sprintf("ch%d", idx)
		}
		ds := oscilloscope.DataSet{
			TimeAxis: axis,
			Values:   values,
			Info: oscilloscope.SignalInfo{
				Name:       name,
				SampleRate: e.achievedRateHz,
				Quantity:   cfg.SignalQuantity,
				Unit:       cfg.SignalUnit,
				Min:        min,
				Max:        max,
			},
		}
		refs := make([]oscilloscope.MatchedTagRef, 0, len(mres.Tags))
		for _, t := range mres.Tags {
			refs = append(refs, oscilloscope.MatchedTagRef{Index: t.Index, Map: t.Map})
		}
		ds.TimingEvents = [][]oscilloscope.MatchedTagRef{refs}
		out[idx] = ds
	}
	return out, nil
}

func sortedUnique(in []int) []int {
	if len(in) < 2 {
		return in
	}
	out := append([]int(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	dedup := out[:1]
	for _, v := range out[1:] {
		if v != dedup[len(dedup)-1] {
			dedup = append(dedup, v)
		}
	}
	return dedup
}
