package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/scopesync/server"
)

type fakeHTTPer struct {
	rt server.RouteTable
}

func (f *fakeHTTPer) RT() server.RouteTable {
	if f.rt == nil {
		f.rt = server.RouteTable{
			{Method: http.MethodGet, Path: "/ping"}: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("pong"))
			},
		}
	}
	return f.rt
}

func TestRouteTableBindsAndResponds(t *testing.T) {
	rt := server.RouteTable{
		{Method: http.MethodGet, Path: "/hello"}: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("hi"))
		},
	}
	r := chi.NewRouter()
	rt.Bind(r)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", rec.Body.String())
}

func TestMainframeRouteGraph(t *testing.T) {
	mf := server.NewMainframe()
	mf.Mount("/device", &fakeHTTPer{})

	req := httptest.NewRequest(http.MethodGet, "/route-graph", nil)
	rec := httptest.NewRecorder()
	mf.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var graph map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &graph))
	assert.Contains(t, graph, "/device")
	assert.Contains(t, graph["/device"], "GET /ping")
}

func TestMainframeMountsAndServes(t *testing.T) {
	mf := server.NewMainframe()
	mf.Mount("/device", &fakeHTTPer{})

	req := httptest.NewRequest(http.MethodGet, "/device/ping", nil)
	rec := httptest.NewRecorder()
	mf.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}
