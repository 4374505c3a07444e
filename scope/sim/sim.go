// Package sim provides a simulated oscilloscope family satisfying the
// scope.Device capability, modeled after the mock hardware fixtures used
// elsewhere in this codebase: an in-memory, mutex-guarded device with no
// real I/O, suitable for driving the acquisition engine and timing matcher
// in tests without hardware.
package sim

import (
	"math"
	"sync"

	"github.jpl.nasa.gov/bdube/scopesync/oscilloscope"
	"github.jpl.nasa.gov/bdube/scopesync/scope"
)

// Signal generates one channel's raw samples for a simulated batch.
type Signal func(startSample int, n int) []int16

// SineWave returns a Signal producing a quantized sine wave at freqHz,
// amplitude in ADC codes, sampled at sampleRateHz.
func SineWave(freqHz, amplitude, sampleRateHz float64) Signal {
	return func(start, n int) []int16 {
		out := make([]int16, n)
		for i := 0; i < n; i++ {
			t := float64(start+i) / sampleRateHz
			out[i] = int16(amplitude * math.Sin(2*math.Pi*freqHz*t))
		}
		return out
	}
}

// PulseTrain returns a Signal that is 0 everywhere except at the given
// sample indices (relative to the start of the whole acquisition), where it
// holds `high` for `width` samples; useful for driving the trigger channel
// in tests.
func PulseTrain(pulseStarts []int, width int, high int16) Signal {
	return func(start, n int) []int16 {
		out := make([]int16, n)
		for _, p := range pulseStarts {
			lo := p - start
			hi := lo + width
			if hi <= 0 || lo >= n {
				continue
			}
			if lo < 0 {
				lo = 0
			}
			if hi > n {
				hi = n
			}
			for i := lo; i < hi; i++ {
				out[i] = high
			}
		}
		return out
	}
}

// Device is a simulated scope.Device. Each channel is driven by a Signal
// configured with SetChannelSignal; channels with no configured signal
// produce zeros.
type Device struct {
	mu sync.Mutex

	identity    scope.Identity
	maxADC      int16
	gainErr     float64
	openStarted bool
	openDone    bool

	channels map[int]Signal
	cursor   int

	batchSize int

	// failNextOpen, when set, makes the next Open call fail once with the
	// given error before succeeding, to exercise the wrapper's retry path.
	failNextOpen *scope.Error

	// failApplyChannel, when set, makes ApplyChannel fail for the given
	// channel index every time it is called, to exercise the wrapper's
	// multi-channel error reporting.
	failApplyChannel map[int]*scope.Error
}

// NewDevice constructs a simulated device with a 16-bit signed ADC range
// (full scale 32767) and a 1% gain error, matching common digitizer defaults.
func NewDevice() *Device {
	return &Device{
		maxADC:    32767,
		gainErr:   0.01,
		channels:  make(map[int]Signal),
		batchSize: 1000,
	}
}

// SetChannelSignal assigns the generator used for channel index.
func (d *Device) SetChannelSignal(index int, sig Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[index] = sig
}

// SetBatchSize controls how many samples Poll delivers per callback.
func (d *Device) SetBatchSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batchSize = n
}

// FailNextOpenWith arranges for the next Open call to fail with err.
func (d *Device) FailNextOpenWith(err *scope.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNextOpen = err
}

// FailApplyChannelWith arranges for every later ApplyChannel on index to
// fail with err.
func (d *Device) FailApplyChannelWith(index int, err *scope.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failApplyChannel == nil {
		d.failApplyChannel = make(map[int]*scope.Error)
	}
	d.failApplyChannel[index] = err
}

func (d *Device) Open(serial string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNextOpen != nil {
		e := d.failNextOpen
		d.failNextOpen = nil
		return e
	}
	d.identity = scope.Identity{Model: "SIM-2000", Serial: serial, HardwareVersion: "1.0"}
	d.openStarted = true
	d.openDone = false
	return nil
}

func (d *Device) OpenProgress() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.openStarted {
		return false, &scope.Error{Code: scope.CodeOperationFailed, Device: "sim", Op: "open_progress"}
	}
	d.openDone = true
	return true, nil
}

func (d *Device) Identity() scope.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

func (d *Device) MaxADCValue() int16 { return d.maxADC }

func (d *Device) GainErrorFraction() float64 { return d.gainErr }

func (d *Device) ApplyChannel(index int, cfg oscilloscope.ChannelConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failApplyChannel[index]; ok {
		return err
	}
	return nil
}

func (d *Device) ApplyTrigger(cfg oscilloscope.TriggerConfig) error {
	return cfg.Validate()
}

func (d *Device) StartStreaming(sampleRateHz float64, enableDigital bool) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursor = 0
	return sampleRateHz, nil
}

func (d *Device) StartTriggered(sampleRateHz float64, pre, post, nCaptures int, onBlockReady scope.BlockReadyFunc, enableDigital bool) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursor = 0
	return sampleRateHz, nil
}

func (d *Device) Stop() error { return nil }

// Poll delivers one batch of batchSize samples per configured channel,
// never overflowing in the simulated device.
func (d *Device) Poll(cb scope.DataCallback) error {
	d.mu.Lock()
	n := d.batchSize
	start := d.cursor
	spans := make(map[int][]int16, len(d.channels))
	for idx, sig := range d.channels {
		spans[idx] = sig(start, n)
	}
	d.cursor += n
	d.mu.Unlock()

	cb(spans, 0)
	return nil
}

func (d *Device) GetValuesBulk(capture int) (map[int][]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int][]int16, len(d.channels))
	for idx, sig := range d.channels {
		out[idx] = sig(0, 100)
	}
	return out, nil
}

func (d *Device) Close() error { return nil }

var _ scope.Device = (*Device)(nil)
