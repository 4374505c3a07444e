package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/scopesync/acquisition"
	"github.jpl.nasa.gov/bdube/scopesync/config"
	"github.jpl.nasa.gov/bdube/scopesync/oscilloscope"
	"github.jpl.nasa.gov/bdube/scopesync/scope"
	"github.jpl.nasa.gov/bdube/scopesync/scope/sim"
	"github.jpl.nasa.gov/bdube/scopesync/server"
)

func newTestMonitor(t *testing.T) *server.Monitor {
	t.Helper()
	dev := sim.NewDevice()
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
		SampleKind: oscilloscope.KindFloat,
		Capacity:   10000,
	}
	e := acquisition.New(w, cfg)
	return &server.Monitor{Engine: e, Config: config.Acquisition{SerialNumber: "SIM"}}
}

func TestMonitorStatusReportsEngineState(t *testing.T) {
	m := newTestMonitor(t)
	r := chi.NewRouter()
	m.RT().Bind(r)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload server.StatusPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "SIM", payload.SerialNumber)
}

func TestMonitorStartTransitionsEngine(t *testing.T) {
	m := newTestMonitor(t)
	r := chi.NewRouter()
	m.RT().Bind(r)

	req := httptest.NewRequest(http.MethodPost, "/start", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "StreamingActive", m.Engine.Wrapper.State().String())
}

func TestMonitorRTIsStableAcrossCalls(t *testing.T) {
	m := newTestMonitor(t)
	first := m.RT()
	second := m.RT()

	// Same underlying map so middleware injected into one call is visible
	// to a router built from a later call.
	first[server.MethodPath{Method: http.MethodGet, Path: "/marker"}] = func(w http.ResponseWriter, r *http.Request) {}
	_, ok := second[server.MethodPath{Method: http.MethodGet, Path: "/marker"}]
	assert.True(t, ok)
}
