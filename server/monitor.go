package server

import (
	"net/http"

	"github.jpl.nasa.gov/bdube/scopesync/acquisition"
	"github.jpl.nasa.gov/bdube/scopesync/config"
)

// Monitor exposes an acquisition.Engine's status and lifecycle over HTTP:
// start/stop, current state, and drop counters. It satisfies HTTPer so it
// can be mounted on a Mainframe alongside other devices, the way the
// teacher mounts one HTTPer per instrument.
type Monitor struct {
	Engine *acquisition.Engine
	Config config.Acquisition

	rt RouteTable
}

// StatusPayload is the JSON body returned by GET /status.
type StatusPayload struct {
	State          string  `json:"state"`
	SampleRateHz   float64 `json:"sampleRateHz"`
	SamplesDropped uint64  `json:"samplesDropped"`
	Armed          bool    `json:"armed"`
	SerialNumber   string  `json:"serialNumber"`
}

// RT returns the monitor's route table, building it on first use so that
// middleware (e.g. locker.Inject) can add routes to the same map that
// eventually gets bound.
func (m *Monitor) RT() RouteTable {
	if m.rt == nil {
		m.rt = RouteTable{
			{Method: http.MethodGet, Path: "/status"}: m.hStatus,
			{Method: http.MethodPost, Path: "/start"}:  m.hStart,
			{Method: http.MethodPost, Path: "/stop"}:   m.hStop,
			{Method: http.MethodGet, Path: "/config"}:  m.hGetConfig,
		}
	}
	return m.rt
}

func (m *Monitor) hStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatusPayload{
		State:          m.Engine.Wrapper.State().String(),
		SampleRateHz:   m.Engine.AchievedSampleRateHz(),
		SamplesDropped: m.Engine.SamplesDropped(),
		Armed:          m.Engine.Armed(),
		SerialNumber:   m.Config.SerialNumber,
	})
}

func (m *Monitor) hStart(w http.ResponseWriter, r *http.Request) {
	if err := m.Engine.Start(); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) hStop(w http.ResponseWriter, r *http.Request) {
	if err := m.Engine.Wrapper.Stop(); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) hGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Config)
}

var _ HTTPer = (*Monitor)(nil)
