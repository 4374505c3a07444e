// Package sim provides a simulated timing receiver satisfying the
// timingsource.Receiver capability: an in-memory event queue fed by
// Inject, the way the vendor interface's own synthetic-event injection
// (§6) is used to drive the timing event source in tests without
// hardware. Modeled on scope/sim's mock device.
package sim

import (
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/scopesync/timingsource"
)

// Receiver is a simulated timingsource.Receiver. Tests and demo wiring call
// Inject to enqueue synthetic hardware events; PollEvents drains them.
type Receiver struct {
	mu         sync.Mutex
	registered []timingsource.Filter
	pending    []timingsource.HardwareEvent
	outputs    map[int]bool
	now        time.Time
}

// NewReceiver returns a Receiver with its clock starting at the given TAI
// time.
func NewReceiver(start time.Time) *Receiver {
	return &Receiver{outputs: make(map[int]bool), now: start}
}

// Inject enqueues a synthetic hardware event for the next PollEvents call.
func (r *Receiver) Inject(ev timingsource.HardwareEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, ev)
}

// Advance moves the simulated TAI clock forward by d.
func (r *Receiver) Advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = r.now.Add(d)
}

func (r *Receiver) RegisterCondition(f timingsource.Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, f)
	return nil
}

func (r *Receiver) WriteOutput(pin int, high bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[pin] = high
	return nil
}

// OutputState reports the last value written to pin.
func (r *Receiver) OutputState(pin int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[pin]
}

func (r *Receiver) NowTAI() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

func (r *Receiver) PollEvents() []timingsource.HardwareEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

var _ timingsource.Receiver = (*Receiver)(nil)
