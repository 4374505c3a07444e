// Package server adapts the monitoring/control HTTP surface onto chi: a
// route table keyed by (method, path) bound onto a chi.Router, plus a
// Mainframe that mounts several named route tables and exposes a combined
// route graph, the way the teacher's RouteTable/Mainframe pair did for
// net/http before the teacher's own cmd/* binaries moved to chi.
package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// MethodPath names one HTTP method and path pair.
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps (method, path) pairs to handlers, mirroring the teacher's
// router-agnostic RouteTable2.
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists "METHOD path" for every route in the table.
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for mp := range rt {
		out = append(out, mp.Method+" "+mp.Path)
	}
	return out
}

// Bind registers every route in rt on r.
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.Method(mp.Method, mp.Path, h)
	}
}

// HTTPer is implemented by anything that exposes an HTTP control surface as
// a RouteTable, the way a device wrapper does in the teacher's generichttp
// package.
type HTTPer interface {
	RT() RouteTable
}

// Mainframe mounts several named HTTPers under their own URL stem and
// serves a combined route graph at /route-graph.
type Mainframe struct {
	root  chi.Router
	nodes map[string]RouteTable
}

// NewMainframe returns a Mainframe with an empty chi root router, logging
// every request the way the teacher's cmd/dacsrv wires middleware.Logger.
// The logger is attached here, before any route is mounted, since chi
// requires middleware registration to precede routing.
func NewMainframe() *Mainframe {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	return &Mainframe{root: root, nodes: map[string]RouteTable{}}
}

// Mount binds h's route table under stem and registers it in the route
// graph.
func (m *Mainframe) Mount(stem string, h HTTPer) {
	rt := h.RT()
	sub := chi.NewRouter()
	rt.Bind(sub)
	m.root.Mount(stem, sub)
	m.nodes[stem] = rt
}

// RouteGraph returns a non-recursive, depth-1 map of URL stems to endpoints.
func (m *Mainframe) RouteGraph() map[string][]string {
	graph := make(map[string][]string, len(m.nodes))
	for stem, rt := range m.nodes {
		graph[stem] = rt.Endpoints()
	}
	return graph
}

// Router returns the underlying chi.Router, with /route-graph already
// registered.
func (m *Mainframe) Router() chi.Router {
	m.root.Get("/route-graph", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.RouteGraph())
	})
	return m.root
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("server: error encoding response:", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError logs and replies with a plain-text error, the way the
// teacher's generichttp handlers do for malformed requests.
func writeError(w http.ResponseWriter, err error, code int) {
	log.Println("server:", err)
	http.Error(w, err.Error(), code)
}
