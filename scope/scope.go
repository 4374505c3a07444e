// Package scope wraps a vendor oscilloscope SDK behind a narrow, strongly
// typed capability: open/close, channel/trigger configuration, start/stop of
// a streaming or triggered acquisition, and polling with a user callback.
// It owns retry/backoff, power-source handling, and the buffer-pinning
// lifetime contract; it does not know about calibration, edge detection, or
// the timing matcher.
package scope

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.jpl.nasa.gov/bdube/scopesync/oscilloscope"
	"github.jpl.nasa.gov/bdube/scopesync/util"
)

// Code classifies a vendor SDK error without binding to any one family's
// enum values.
type Code int

const (
	CodeOK Code = iota
	CodeBusy
	CodeDriverFunction
	CodePowerSupplyNotConnected
	CodeNotFound
	CodeFirmwareFail
	CodeOperationFailed
	CodeInvalidHandle
	CodeInvalidParameter
	CodeUnsupportedFeature
)

// Error wraps a vendor SDK failure with the classification the driver
// wrapper and acquisition engine need to decide whether to retry.
type Error struct {
	Code    Code
	Device  string
	Op      string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("scope %s: %s: %v", e.Device, e.Op, e.Wrapped)
	}
	return fmt.Sprintf("scope %s: %s: code %d", e.Device, e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Retryable reports whether the failure is transient and worth retrying
// within the driver wrapper's error budget.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeBusy, CodeDriverFunction, CodePowerSupplyNotConnected:
		return true
	default:
		return false
	}
}

// State is a driver wrapper lifecycle state.
type State int

const (
	Closed State = iota
	Opening
	Idle
	StreamingActive
	Paused
	TriggeredArmed
	DataReady
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Opening:
		return "Opening"
	case Idle:
		return "Idle"
	case StreamingActive:
		return "StreamingActive"
	case Paused:
		return "Paused"
	case TriggeredArmed:
		return "TriggeredArmed"
	case DataReady:
		return "DataReady"
	default:
		return "unknown"
	}
}

// Identity is populated once Open completes.
type Identity struct {
	Model           string
	Serial          string
	HardwareVersion string
}

// BlockReadyFunc is invoked by the vendor SDK (through Device) when one
// rapid-block capture has completed.
type BlockReadyFunc func(captureIndex int)

// DataCallback is invoked by Poll once per delivered data batch.
// perChannelSpans maps channel index to the raw samples delivered this
// batch; overflowBitmap has bit i set if channel i overflowed during the
// batch.
type DataCallback func(perChannelSpans map[int][]int16, overflowBitmap uint32)

// Device is the capability a vendor SDK binding must present. Each
// supported oscilloscope family implements this directly; the acquisition
// engine is generic over it and never type-switches on the concrete family.
type Device interface {
	// Open begins an asynchronous open; OpenProgress advances it.
	Open(serial string) error
	OpenProgress() (done bool, err error)
	Identity() Identity
	MaxADCValue() int16
	GainErrorFraction() float64

	ApplyChannel(index int, cfg oscilloscope.ChannelConfig) error
	ApplyTrigger(cfg oscilloscope.TriggerConfig) error

	StartStreaming(sampleRateHz float64, enableDigital bool) (achievedRateHz float64, err error)
	StartTriggered(sampleRateHz float64, pre, post, nCaptures int, onBlockReady BlockReadyFunc, enableDigital bool) (achievedRateHz float64, err error)
	Stop() error

	// Poll invokes the vendor's "latest values" function once; for every
	// batch it has ready it calls cb before returning.
	Poll(cb DataCallback) error

	// GetValuesBulk reads completed rapid-block segments after a
	// BlockReadyFunc has fired.
	GetValuesBulk(capture int) (perChannelSpans map[int][]int16, err error)

	Close() error
}

// Wrapper is the driver wrapper: it owns one Device for its entire
// lifetime and drives the state machine, dirty-flag application, and
// retry budget described by the acquisition specification.
type Wrapper struct {
	mu    sync.Mutex
	dev   Device
	state State

	channelsDirty map[int]oscilloscope.ChannelConfig
	triggerDirty  *oscilloscope.TriggerConfig
	restartPending bool

	activeMode    oscilloscope.Mode
	sampleRateHz  float64
	enableDigital bool
	rapidCfg      oscilloscope.RapidBlockConfig
	onBlockReady  BlockReadyFunc

	// RetryPeriod and MaxErrors bound the consecutive-failure budget
	// before a transient error is surfaced. Defaults match the
	// specification's typical values.
	RetryPeriod time.Duration
	MaxErrors   int

	consecutiveErrors int
	lastErrorTime     time.Time
}

// New constructs a Wrapper around dev, which must start in a fresh, unopened
// state.
func New(dev Device) *Wrapper {
	return &Wrapper{
		dev:           dev,
		state:         Closed,
		channelsDirty: make(map[int]oscilloscope.ChannelConfig),
		RetryPeriod:   500 * time.Millisecond,
		MaxErrors:     3,
	}
}

// State returns the wrapper's current lifecycle state.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Open begins opening the device, tolerating a single PowerSupplyNotConnected
// retry as described by the specification.
func (w *Wrapper) Open(serial string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Closed {
		return fmt.Errorf("scope: open called in state %s, want Closed", w.state)
	}
	err := w.dev.Open(serial)
	if se, ok := err.(*Error); ok && se.Code == CodePowerSupplyNotConnected {
		time.Sleep(50 * time.Millisecond)
		err = w.dev.Open(serial)
	}
	if err != nil {
		return err
	}
	w.state = Opening
	return nil
}

// PollOpen advances the asynchronous open state machine; callers should call
// this from their own poll loop until it returns true.
func (w *Wrapper) PollOpen() (done bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Opening {
		return true, nil
	}
	done, err = w.dev.OpenProgress()
	if err != nil {
		return false, err
	}
	if done {
		w.state = Idle
	}
	return done, nil
}

// Identity returns the device identity populated after Open completes.
func (w *Wrapper) Identity() Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dev.Identity()
}

// ConfigureChannel marks a channel dirty; it is applied on the next Poll.
func (w *Wrapper) ConfigureChannel(index int, cfg oscilloscope.ChannelConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channelsDirty[index] = cfg
	w.restartPending = w.state == StreamingActive || w.state == Paused || w.state == TriggeredArmed
}

// ConfigureTrigger marks the trigger dirty; it is applied on the next Poll.
func (w *Wrapper) ConfigureTrigger(cfg oscilloscope.TriggerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := cfg
	w.triggerDirty = &cp
	w.restartPending = w.state == StreamingActive || w.state == Paused || w.state == TriggeredArmed
	return nil
}

// StartStreaming transitions Idle -> StreamingActive.
func (w *Wrapper) StartStreaming(sampleRateHz float64, enableDigital bool) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Idle {
		return 0, fmt.Errorf("scope: start_streaming illegal in state %s", w.state)
	}
	achieved, err := w.dev.StartStreaming(sampleRateHz, enableDigital)
	if err != nil {
		return 0, err
	}
	w.activeMode = oscilloscope.ModeStreaming
	w.sampleRateHz = achieved
	w.enableDigital = enableDigital
	w.state = StreamingActive
	return achieved, nil
}

// StartTriggered transitions Idle -> TriggeredArmed.
func (w *Wrapper) StartTriggered(sampleRateHz float64, rb oscilloscope.RapidBlockConfig, onBlockReady BlockReadyFunc, enableDigital bool) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Idle {
		return 0, fmt.Errorf("scope: start_triggered illegal in state %s", w.state)
	}
	achieved, err := w.dev.StartTriggered(sampleRateHz, rb.PreSamples, rb.PostSamples, rb.NCaptures, onBlockReady, enableDigital)
	if err != nil {
		return 0, err
	}
	w.activeMode = oscilloscope.ModeRapidBlock
	w.sampleRateHz = achieved
	w.rapidCfg = rb
	w.onBlockReady = onBlockReady
	w.enableDigital = enableDigital
	w.state = TriggeredArmed
	return achieved, nil
}

// SetPaused moves a streaming acquisition between StreamingActive and Paused
// without tearing down buffers; Poll does not read from the device while
// Paused. In any other state, including TriggeredArmed, it does nothing, so
// rapid-block arming is not affected.
func (w *Wrapper) SetPaused(paused bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if paused && w.state == StreamingActive {
		w.state = Paused
	} else if !paused && w.state == Paused {
		w.state = StreamingActive
	}
}

// Stop transitions to Idle; safe to call repeatedly.
func (w *Wrapper) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Closed || w.state == Idle {
		return nil
	}
	if err := w.dev.Stop(); err != nil {
		return err
	}
	w.state = Idle
	return nil
}

// Close tears the device down; idempotent.
func (w *Wrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Closed {
		return nil
	}
	if w.state != Idle {
		if err := w.dev.Stop(); err != nil {
			return err
		}
	}
	if err := w.dev.Close(); err != nil {
		return err
	}
	w.state = Closed
	return nil
}

// SampleRateHz returns the last achieved sample rate.
func (w *Wrapper) SampleRateHz() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sampleRateHz
}

// MaxADCValue exposes the device's full-scale ADC code, needed by the
// acquisition engine's calibration step.
func (w *Wrapper) MaxADCValue() int16 { return w.dev.MaxADCValue() }

// GainErrorFraction exposes the device's worst-case gain error fraction,
// used for the uncertain-float sample kind.
func (w *Wrapper) GainErrorFraction() float64 { return w.dev.GainErrorFraction() }

// applyPending pushes any dirty channel/trigger configuration to the device
// and, if a restart was pending, stops and restarts the active acquisition.
// Callers must hold w.mu.
func (w *Wrapper) applyPending() error {
	var errs []error
	for idx, cfg := range w.channelsDirty {
		if err := w.dev.ApplyChannel(idx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", idx, err))
		}
	}
	w.channelsDirty = make(map[int]oscilloscope.ChannelConfig)

	if w.triggerDirty != nil {
		if err := w.dev.ApplyTrigger(*w.triggerDirty); err != nil {
			errs = append(errs, fmt.Errorf("trigger: %w", err))
		}
		w.triggerDirty = nil
	}

	// Every dirty channel/trigger is attempted even if an earlier one
	// failed, so one bad channel does not mask failures in the others;
	// all failures are reported together.
	if err := util.MergeErrors(errs); err != nil {
		return err
	}

	if w.restartPending {
		w.restartPending = false
		wasMode := w.activeMode
		rate := w.sampleRateHz
		rb := w.rapidCfg
		onReady := w.onBlockReady
		digital := w.enableDigital
		if err := w.dev.Stop(); err != nil {
			return err
		}
		w.state = Idle
		switch wasMode {
		case oscilloscope.ModeStreaming:
			achieved, err := w.dev.StartStreaming(rate, digital)
			if err != nil {
				return err
			}
			w.sampleRateHz = achieved
			w.state = StreamingActive
		case oscilloscope.ModeRapidBlock:
			achieved, err := w.dev.StartTriggered(rate, rb.PreSamples, rb.PostSamples, rb.NCaptures, onReady, digital)
			if err != nil {
				return err
			}
			w.sampleRateHz = achieved
			w.state = TriggeredArmed
		}
	}
	return nil
}

// Poll is the single driver progress step: apply pending configuration,
// advance the open state machine, restart if needed, then invoke the
// vendor's latest-values function and accumulate the retry budget on
// transient failures.
func (w *Wrapper) Poll(cb DataCallback) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.channelsDirty) > 0 || w.triggerDirty != nil {
		if err := w.applyPending(); err != nil {
			return w.classify(err)
		}
	}

	if w.state == Opening {
		done, err := w.dev.OpenProgress()
		if err != nil {
			return w.classify(err)
		}
		if done {
			w.state = Idle
		}
		return nil
	}

	if w.state != StreamingActive && w.state != TriggeredArmed && w.state != DataReady {
		return nil
	}

	err := w.dev.Poll(cb)
	return w.classify(err)
}

// classify folds a Poll-time error into the retry budget, returning nil
// while the budget is not exhausted and the error is retryable.
func (w *Wrapper) classify(err error) error {
	if err == nil {
		w.consecutiveErrors = 0
		return nil
	}
	se, ok := err.(*Error)
	if !ok || !se.Retryable() {
		w.state = Idle
		return err
	}
	now := time.Now()
	if w.lastErrorTime.IsZero() || now.Sub(w.lastErrorTime) >= w.RetryPeriod {
		w.consecutiveErrors++
		w.lastErrorTime = now
	}
	if w.consecutiveErrors >= w.MaxErrors {
		w.consecutiveErrors = 0
		return err
	}
	return nil
}

// retryOpen retries op with exponential backoff until it succeeds or
// maxElapsed passes, the pattern comm.BackingOffTCPConnMaker uses for
// transport-level retries. Nothing in the module calls it.
func retryOpen(op func() error, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, b)
}
