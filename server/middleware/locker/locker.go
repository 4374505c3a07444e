// Package locker provides an HTTP middleware that locks a route table,
// returning 423 (Locked) for any request against a protected path while
// the Locker is locked. The lock is set and cleared through Lock/Unlock or
// POST /lock; it is not tied to the acquisition engine's state.
package locker

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.jpl.nasa.gov/bdube/scopesync/server"
)

// Inject adds GET/POST /lock routes to other's route table.
func Inject(other server.HTTPer, l *Locker) {
	rt := other.RT()
	rt[server.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[server.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker behaves like a sync.Mutex without the blocking: handlers consult
// Locked() and bounce the request instead of waiting.
type Locker struct {
	isLocked bool

	// DoNotProtect lists path substrings exempt from the lock, e.g. "/lock"
	// and "/status" so the lock itself and status checks stay reachable.
	DoNotProtect []string
}

// New returns a Locker with DoNotProtect prepopulated with "/lock" and
// "/status".
func New() *Locker {
	return &Locker{DoNotProtect: []string{"/lock", "/status"}}
}

// Lock the locker.
func (l *Locker) Lock() { l.isLocked = true }

// Unlock the locker.
func (l *Locker) Unlock() { l.isLocked = false }

// Locked reports whether the locker is currently locked.
func (l *Locker) Locked() bool { return l.isLocked }

// Check is a chi-compatible middleware that returns 423 Locked for any
// protected path while the locker is locked.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			for _, s := range l.DoNotProtect {
				if strings.Contains(r.URL.Path, s) {
					protected = false
					break
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type boolPayload struct {
	Locked bool `json:"locked"`
}

// HTTPSet locks or unlocks the locker based on a {"locked": bool} body.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	var b boolPayload
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Locked {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet reports Locked() as JSON.
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(boolPayload{Locked: l.Locked()})
}
