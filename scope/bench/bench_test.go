package bench_test

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/scopesync/oscilloscope"
	"github.jpl.nasa.gov/bdube/scopesync/scope/bench"
)

// startFakeScope listens on a loopback TCP port and answers every query
// (a line containing '?') with the canned response in responses, or "0" if
// none is configured. Non-query lines (Write-only SCPI commands) are
// accepted and otherwise ignored, matching a real instrument that only
// talks back when asked to.
func startFakeScope(t *testing.T, responses map[string]string) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.TrimRight(line, "\n")
					if !strings.Contains(cmd, "?") {
						continue
					}
					resp, ok := responses[cmd]
					if !ok {
						resp = "0"
					}
					if _, err := c.Write([]byte(resp + "\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func waitForOpen(t *testing.T, dev *bench.Device) {
	t.Helper()
	require.Eventually(t, func() bool {
		done, err := dev.OpenProgress()
		require.NoError(t, err)
		return done
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceOpenParsesIdentity(t *testing.T) {
	addr, closeFn := startFakeScope(t, map[string]string{
		"*IDN?": "BENCH INSTRUMENTS,MODEL1,SN42,1.0",
	})
	defer closeFn()

	dev := bench.NewTCPDevice(addr, false)
	defer dev.Close()

	require.NoError(t, dev.Open("unused"))
	waitForOpen(t, dev)

	id := dev.Identity()
	assert.Equal(t, "MODEL1", id.Model)
	assert.Equal(t, "SN42", id.Serial)
	assert.Equal(t, "1.0", id.HardwareVersion)
}

func TestDeviceOpenFallsBackToRequestedSerial(t *testing.T) {
	addr, closeFn := startFakeScope(t, map[string]string{
		"*IDN?": "BENCH INSTRUMENTS,MODEL1,,1.0",
	})
	defer closeFn()

	dev := bench.NewTCPDevice(addr, false)
	defer dev.Close()

	require.NoError(t, dev.Open("fallback-sn"))
	waitForOpen(t, dev)

	assert.Equal(t, "fallback-sn", dev.Identity().Serial)
}

func TestDeviceStreamingPollDeliversWaveform(t *testing.T) {
	addr, closeFn := startFakeScope(t, map[string]string{
		"ACQuire:SRATe?":        "1e+06",
		"WAVeform:DATA?":        "100,200,300",
		"CHANnel1:OVERflow?":    "0",
	})
	defer closeFn()

	dev := bench.NewTCPDevice(addr, false)
	defer dev.Close()

	require.NoError(t, dev.ApplyChannel(0, oscilloscope.ChannelConfig{
		Enabled:  true,
		Range:    oscilloscope.Range1V,
		Coupling: oscilloscope.CouplingDC1M,
	}))

	achieved, err := dev.StartStreaming(1e6, false)
	require.NoError(t, err)
	assert.Equal(t, 1e6, achieved)

	var gotSpans map[int][]int16
	var gotOverflow uint32
	err = dev.Poll(func(spans map[int][]int16, overflow uint32) {
		gotSpans = spans
		gotOverflow = overflow
	})
	require.NoError(t, err)
	require.Contains(t, gotSpans, 0)
	assert.Equal(t, []int16{100, 200, 300}, gotSpans[0])
	assert.Zero(t, gotOverflow)
}

func TestDeviceRapidBlockPollFiresCallbackOnceArmed(t *testing.T) {
	addr, closeFn := startFakeScope(t, map[string]string{
		"ACQuire:SRATe?":   "5e+05",
		"TRIGger:STATe?":   "STOP",
	})
	defer closeFn()

	dev := bench.NewTCPDevice(addr, false)
	defer dev.Close()

	var ready []int
	achieved, err := dev.StartTriggered(5e5, 10, 20, 1, func(capture int) {
		ready = append(ready, capture)
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 5e5, achieved)

	require.NoError(t, dev.Poll(func(map[int][]int16, uint32) {
		t.Fatal("rapid-block poll must not invoke the streaming data callback")
	}))
	assert.Equal(t, []int{0}, ready)
}

func TestApplyTriggerRejectsInvalidKindWithoutIO(t *testing.T) {
	// No fake server is started: an invalid kind must fail validation
	// before any SCPI command is sent.
	dev := bench.NewTCPDevice("127.0.0.1:0", false)
	defer dev.Close()

	err := dev.ApplyTrigger(oscilloscope.TriggerConfig{Kind: oscilloscope.TriggerKind(99)})
	require.Error(t, err)
}
