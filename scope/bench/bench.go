// Package bench provides a scope.Device binding for SCPI-speaking bench
// oscilloscopes, reached over either TCP or serial via a pooled comm.Pool
// connection and framed by scpi.SCPI.
// Where the simulated family exists to drive the engine without hardware,
// this family exists for a bench setup with a real digitizer but no native
// Go SDK: everything is expressed as SCPI commands over a pooled byte
// transport.
package bench

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.jpl.nasa.gov/bdube/scopesync/comm"
	"github.jpl.nasa.gov/bdube/scopesync/oscilloscope"
	"github.jpl.nasa.gov/bdube/scopesync/scope"
	"github.jpl.nasa.gov/bdube/scopesync/scpi"
)

// maxADCValue approximates the 16-bit signed WORD waveform format most
// SCPI scopes offer, leaving headroom below the full int16 range the way
// real digitizers reserve codes for over-range indication.
const maxADCValue int16 = 32640

// gainErrorFraction is a representative worst-case vertical gain error for
// a bench DSO, used by the acquisition engine's uncertain-float calibration.
const gainErrorFraction = 0.02

const idleTimeout = 30 * time.Second

// Device is a scope.Device backed by a SCPI connection. It is safe for
// concurrent use; the acquisition engine's driver wrapper already
// serializes access, but the underlying comm.Pool is itself concurrent
// safe so a Device tolerates being driven from more than one goroutine.
type Device struct {
	mu sync.Mutex

	scpi *scpi.SCPI
	pool *comm.Pool

	identity scope.Identity
	openDone bool
	openErr  error

	channels map[int]oscilloscope.ChannelConfig

	mode         oscilloscope.Mode
	rapid        oscilloscope.RapidBlockConfig
	onBlockReady scope.BlockReadyFunc
	captureIndex int
}

// NewTCPDevice returns a Device that dials addr over TCP on demand,
// retrying with backoff (comm.BackingOffTCPConnMaker) for network hardware
// that dislikes being connection-thrashed.
func NewTCPDevice(addr string, handshaking bool) *Device {
	pool := comm.NewPool(1, idleTimeout, comm.BackingOffTCPConnMaker(addr, 5*time.Second))
	return newDevice(pool, handshaking)
}

// NewSerialDevice returns a Device that opens cfg.Name as a serial port on
// demand, for bench setups with no network-attached digitizer.
func NewSerialDevice(cfg *serial.Config, handshaking bool) *Device {
	pool := comm.NewPool(1, idleTimeout, comm.SerialConnMaker(cfg))
	return newDevice(pool, handshaking)
}

func newDevice(pool *comm.Pool, handshaking bool) *Device {
	return &Device{
		scpi:     &scpi.SCPI{Pool: pool, Handshaking: handshaking},
		pool:     pool,
		channels: make(map[int]oscilloscope.ChannelConfig),
	}
}

// Open begins the identity query in the background; OpenProgress reports
// when it has completed, mirroring the asynchronous contract the driver
// wrapper imposes on every Device family.
func (d *Device) Open(serialNumber string) error {
	d.mu.Lock()
	d.openDone = false
	d.openErr = nil
	d.mu.Unlock()
	go d.openAsync(serialNumber)
	return nil
}

func (d *Device) openAsync(serialNumber string) {
	resp, err := d.scpi.ReadString("*IDN?")
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.openErr = d.wrapErr("open", err)
		d.openDone = true
		return
	}
	d.identity = parseIDN(resp, serialNumber)
	d.openDone = true
}

// parseIDN splits a standard "*IDN?" response of the form
// "manufacturer,model,serial,firmware" into an Identity, falling back to
// the requested serial number when the device omits its own.
func parseIDN(resp, requestedSerial string) scope.Identity {
	fields := strings.Split(resp, ",")
	get := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}
	id := scope.Identity{
		Model:           get(1),
		Serial:          get(2),
		HardwareVersion: get(3),
	}
	if id.Serial == "" {
		id.Serial = requestedSerial
	}
	return id
}

func (d *Device) OpenProgress() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openDone, d.openErr
}

func (d *Device) Identity() scope.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

func (d *Device) MaxADCValue() int16 { return maxADCValue }

func (d *Device) GainErrorFraction() float64 { return gainErrorFraction }

// channelCommands builds the SCPI program that applies cfg to the
// 1-indexed channel number index+1, separating coupling and input
// impedance the way bench DSOs typically expose them as distinct nodes.
func channelCommands(index int, cfg oscilloscope.ChannelConfig) []string {
	if !cfg.Enabled {
		return []string{fmt.Sprintf("CHANnel%d:DISPlay OFF", index+1)}
	}
	coupling := "DC"
	if cfg.Coupling == oscilloscope.CouplingAC {
		coupling = "AC"
	}
	impedance := "ONEMeg"
	if cfg.Coupling == oscilloscope.CouplingDC50R {
		impedance = "FIFTy"
	}
	return []string{
		fmt.Sprintf("CHANnel%d:DISPlay ON", index+1),
		fmt.Sprintf("CHANnel%d:RANGe %g", index+1, float64(cfg.Range)),
		fmt.Sprintf("CHANnel%d:OFFSet %g", index+1, cfg.AnalogOffset),
		fmt.Sprintf("CHANnel%d:COUPling %s", index+1, coupling),
		fmt.Sprintf("CHANnel%d:IMPedance %s", index+1, impedance),
	}
}

func (d *Device) ApplyChannel(index int, cfg oscilloscope.ChannelConfig) error {
	d.mu.Lock()
	d.channels[index] = cfg
	d.mu.Unlock()
	return d.writeAll(channelCommands(index, cfg)...)
}

func (d *Device) ApplyTrigger(cfg oscilloscope.TriggerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	switch cfg.Kind {
	case oscilloscope.TriggerNone:
		return d.writeAll("TRIGger:SWEep AUTO")
	case oscilloscope.TriggerAnalog:
		slope := "POSitive"
		if cfg.Direction == oscilloscope.Falling || cfg.Direction == oscilloscope.Low {
			slope = "NEGative"
		}
		d.mu.Lock()
		rng := d.channels[cfg.Channel].Range
		d.mu.Unlock()
		levelVolts := float64(cfg.ThresholdRaw) / float64(maxADCValue) * float64(rng)
		return d.writeAll(
			fmt.Sprintf("TRIGger:SOURce CHANnel%d", cfg.Channel+1),
			fmt.Sprintf("TRIGger:SLOPe %s", slope),
			fmt.Sprintf("TRIGger:LEVel %g", levelVolts),
		)
	case oscilloscope.TriggerDigital:
		return d.writeAll(fmt.Sprintf("TRIGger:SOURce DIGital%d", cfg.BitIndex))
	default:
		return fmt.Errorf("bench: unsupported trigger kind %d", cfg.Kind)
	}
}

func (d *Device) StartStreaming(sampleRateHz float64, enableDigital bool) (float64, error) {
	if err := d.writeAll(fmt.Sprintf("ACQuire:SRATe %g", sampleRateHz), "RUN"); err != nil {
		return 0, d.wrapErr("start_streaming", err)
	}
	d.mu.Lock()
	d.mode = oscilloscope.ModeStreaming
	d.mu.Unlock()
	return d.achievedRate(sampleRateHz), nil
}

func (d *Device) StartTriggered(sampleRateHz float64, pre, post, nCaptures int, onBlockReady scope.BlockReadyFunc, enableDigital bool) (float64, error) {
	if err := d.writeAll(fmt.Sprintf("ACQuire:SRATe %g", sampleRateHz), "TRIGger:SWEep SINGle", "RUN"); err != nil {
		return 0, d.wrapErr("start_triggered", err)
	}
	d.mu.Lock()
	d.mode = oscilloscope.ModeRapidBlock
	d.rapid = oscilloscope.RapidBlockConfig{PreSamples: pre, PostSamples: post, NCaptures: nCaptures, TriggerOnce: true}
	d.onBlockReady = onBlockReady
	d.captureIndex = 0
	d.mu.Unlock()
	return d.achievedRate(sampleRateHz), nil
}

// achievedRate queries back the sample rate the instrument actually
// accepted; a read failure is not fatal to starting the acquisition, so it
// falls back to the requested rate.
func (d *Device) achievedRate(requested float64) float64 {
	rate, err := d.scpi.ReadFloat("ACQuire:SRATe?")
	if err != nil {
		return requested
	}
	return rate
}

func (d *Device) Stop() error {
	return d.writeAll("STOP")
}

// Poll drives one step of whichever mode is active: in streaming mode it
// fetches one waveform batch per enabled channel; in rapid-block mode it
// checks whether the armed trigger has fired and, if so, fires
// onBlockReady and either re-arms or stops once nCaptures is reached.
func (d *Device) Poll(cb scope.DataCallback) error {
	d.mu.Lock()
	mode := d.mode
	d.mu.Unlock()

	switch mode {
	case oscilloscope.ModeStreaming:
		spans, overflow, err := d.fetchWaveforms()
		if err != nil {
			return d.wrapErr("poll", err)
		}
		if len(spans) == 0 {
			return nil
		}
		cb(spans, overflow)
		return nil
	case oscilloscope.ModeRapidBlock:
		return d.pollRapidBlock()
	default:
		return nil
	}
}

func (d *Device) pollRapidBlock() error {
	state, err := d.scpi.ReadString("TRIGger:STATe?")
	if err != nil {
		return d.wrapErr("poll", err)
	}
	if !strings.EqualFold(strings.TrimSpace(state), "STOP") {
		return nil // still armed, waiting for a trigger
	}

	d.mu.Lock()
	idx := d.captureIndex
	d.captureIndex++
	onReady := d.onBlockReady
	nCaptures := d.rapid.NCaptures
	d.mu.Unlock()

	if onReady != nil {
		onReady(idx)
	}
	if idx+1 >= nCaptures {
		return d.writeAll("STOP")
	}
	return d.writeAll("TRIGger:SWEep SINGle", "RUN")
}

// GetValuesBulk selects the completed capture segment and reads back its
// waveform for every enabled channel.
func (d *Device) GetValuesBulk(capture int) (map[int][]int16, error) {
	if err := d.scpi.Write(fmt.Sprintf("ACQuire:SEGMented:INDex %d", capture+1)); err != nil {
		return nil, d.wrapErr("get_values_bulk", err)
	}
	spans, _, err := d.fetchWaveforms()
	if err != nil {
		return nil, d.wrapErr("get_values_bulk", err)
	}
	return spans, nil
}

// fetchWaveforms reads the current waveform for every enabled channel,
// along with an overflow bitmap, one CHANnel:OVERflow? query at a time.
func (d *Device) fetchWaveforms() (map[int][]int16, uint32, error) {
	d.mu.Lock()
	channels := make(map[int]oscilloscope.ChannelConfig, len(d.channels))
	for idx, cfg := range d.channels {
		channels[idx] = cfg
	}
	d.mu.Unlock()

	spans := make(map[int][]int16, len(channels))
	var overflow uint32
	for idx, cfg := range channels {
		if !cfg.Enabled {
			continue
		}
		raw, err := d.readChannelWaveform(idx)
		if err != nil {
			return nil, 0, err
		}
		spans[idx] = raw
		full, err := d.scpi.ReadBool(fmt.Sprintf("CHANnel%d:OVERflow?", idx+1))
		if err == nil && full {
			overflow |= 1 << uint(idx)
		}
	}
	return spans, overflow, nil
}

func (d *Device) readChannelWaveform(idx int) ([]int16, error) {
	if err := d.scpi.Write(fmt.Sprintf("WAVeform:SOURce CHANnel%d", idx+1)); err != nil {
		return nil, err
	}
	resp, err := d.scpi.ReadString("WAVeform:DATA?")
	if err != nil {
		return nil, err
	}
	return parseRawCodes(resp)
}

// parseRawCodes decodes a comma-separated ASCII waveform reply into raw
// ADC codes.
func parseRawCodes(resp string) ([]int16, error) {
	fields := strings.Split(resp, ",")
	out := make([]int16, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bench: parse waveform sample %q: %w", f, err)
		}
		out = append(out, int16(v))
	}
	return out, nil
}

func (d *Device) Close() error {
	d.pool.Close()
	return nil
}

func (d *Device) writeAll(cmds ...string) error {
	for _, c := range cmds {
		if err := d.scpi.Write(c); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) wrapErr(op string, err error) *scope.Error {
	return &scope.Error{Code: scope.CodeDriverFunction, Device: "bench", Op: op, Wrapped: err}
}

var _ scope.Device = (*Device)(nil)
