// Package timingsource subscribes to a timing receiver, compiles the
// event-action filter/action configuration language (see dsl.go), and
// publishes timing events as an ordered stream of tagged samples that the
// acquisition engine's matcher can consume.
package timingsource

import (
	"sync"
	"time"

	"github.com/brandondube/ringo"

	"github.jpl.nasa.gov/bdube/scopesync/matcher"
)

// Receiver is the opaque timing-receiver capability this package consumes
// (§6): device enumeration, condition registration, output-port writes, and
// a TAI-time query. A concrete binding satisfies this against the vendor
// library; tests substitute a fake.
type Receiver interface {
	RegisterCondition(f Filter) error
	WriteOutput(pin int, high bool) error
	NowTAI() time.Time
	// PollEvents drains whatever hardware events have arrived since the
	// last call, non-blocking.
	PollEvents() []HardwareEvent
}

// HardwareEvent is one raw event delivered by the timing receiver.
type HardwareEvent struct {
	ID         uint64
	TimeNs     uint64
	LocalTimeNs uint64
	EventName  string
	Fields     map[string]interface{}
	IsIOEdge   bool
	IOPin      int
	IORising   bool
}

// Config is the timing source's configuration surface (§6).
type Config struct {
	EventActions []string
	IOEvents     bool
	SampleRateHz float64
	TimingDevice string
	MaxDelay     time.Duration
	Verbose      bool
}

// Source drives the background polling thread and the streaming loop
// described in §4.3/§5: single-producer (poller) / single-consumer (Source
// callers), bounded capacity, writes that never block.
type Source struct {
	cfg      Config
	receiver Receiver
	rules    []Rule

	mu             sync.Mutex
	queue          []HardwareEvent
	capacity       int
	arrivalRing    *ringo.CircleTime
	lastSampleTimeNs uint64
	stop           chan struct{}
	stopped        chan struct{}
}

func newArrivalRing(capacity int) *ringo.CircleTime {
	r := &ringo.CircleTime{}
	r.Init(capacity)
	return r
}

// New compiles cfg.EventActions and constructs a Source around receiver.
func New(receiver Receiver, cfg Config) (*Source, error) {
	rules := make([]Rule, 0, len(cfg.EventActions))
	for _, line := range cfg.EventActions {
		r, err := CompileRule(line)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	for _, r := range rules {
		if err := receiver.RegisterCondition(r.Filter); err != nil {
			return nil, err
		}
	}
	return &Source{
		cfg:         cfg,
		receiver:    receiver,
		rules:       rules,
		capacity:    4096,
		arrivalRing: newArrivalRing(1024),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}, nil
}

// Run starts the background polling thread. It wakes on the configured
// max_delay/4 cadence and drains whatever the receiver has queued into the
// Source's bounded internal queue; writes never block, matching the
// specification's single-producer/single-consumer contract.
func (s *Source) Run() {
	wake := s.cfg.MaxDelay / 4
	if wake <= 0 {
		wake = 25 * time.Millisecond
	}
	ticker := time.NewTicker(wake)
	defer ticker.Stop()
	defer close(s.stopped)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.PollOnce()
		}
	}
}

// Stop signals the background thread to exit and waits for it to do so.
func (s *Source) Stop() {
	close(s.stop)
	<-s.stopped
}

// PollOnce drains whatever the receiver has queued into the Source's
// bounded internal queue. Run calls this on a timer; tests call it directly
// to avoid depending on wall-clock timing.
func (s *Source) PollOnce() {
	events := s.receiver.PollEvents()
	now := s.receiver.NowTAI()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if len(s.queue) >= s.capacity {
			// Bounded capacity: oldest unread event is dropped rather than
			// blocking the producer.
			s.queue = s.queue[1:]
		}
		s.queue = append(s.queue, ev)
		s.arrivalRing.Append(now)
	}
}

// matchHW reports whether ev satisfies any configured hardware-action rule,
// which determines the HW-TRIGGER flag on its tag.
func (s *Source) matchHW(ev HardwareEvent) bool {
	for _, r := range s.rules {
		if r.Filter.Matches(ev.ID) && (r.Publish || len(r.IO) > 0) {
			return true
		}
	}
	return false
}

// Drain pulls every event queued since the previous call and converts it
// into the (sample, tag) stream described by §4.3: filler samples encode
// the IO-port state between events, and one sample per event carries its
// tag. If sample_rate is 0, exactly one sample is emitted per tag.
func (s *Source) Drain(ioState uint32) ([]matcher.PropertyMap, []uint32, uint32) {
	s.mu.Lock()
	events := s.queue
	s.queue = nil
	s.mu.Unlock()

	var tags []matcher.PropertyMap
	var fillerStates []uint32

	for _, ev := range events {
		if s.cfg.SampleRateHz > 0 && s.lastSampleTimeNs > 0 && ev.TimeNs > s.lastSampleTimeNs {
			n := int(float64(ev.TimeNs-s.lastSampleTimeNs) * s.cfg.SampleRateHz / 1e9)
			for i := 0; i < n; i++ {
				fillerStates = append(fillerStates, ioState)
			}
		}
		s.lastSampleTimeNs = ev.TimeNs

		if ev.IsIOEdge {
			if ev.IORising {
				ioState |= 1 << uint(ev.IOPin)
			} else {
				ioState &^= 1 << uint(ev.IOPin)
			}
			if !s.cfg.IOEvents {
				continue
			}
			name := "IOn_FALLING"
			if ev.IORising {
				name = "IOn_RISING"
			}
			tags = append(tags, s.buildTag(name, ev, true))
			continue
		}

		tags = append(tags, s.buildTag(ev.EventName, ev, s.matchHW(ev)))
	}

	return tags, fillerStates, ioState
}

// IdleFiller emits filler samples up to now-max_delay when no events have
// arrived recently, so the stream keeps flowing per §4.3 rule 4.
func (s *Source) IdleFiller(nowNs uint64, ioState uint32) []uint32 {
	if s.lastSampleTimeNs == 0 {
		s.lastSampleTimeNs = nowNs
		return nil
	}
	maxDelayNs := uint64(s.cfg.MaxDelay.Nanoseconds())
	if nowNs <= s.lastSampleTimeNs || nowNs-s.lastSampleTimeNs <= maxDelayNs {
		return nil
	}
	upTo := nowNs - maxDelayNs
	var fillers []uint32
	if s.cfg.SampleRateHz > 0 {
		n := int(float64(upTo-s.lastSampleTimeNs) * s.cfg.SampleRateHz / 1e9)
		for i := 0; i < n; i++ {
			fillers = append(fillers, ioState)
		}
	}
	s.lastSampleTimeNs = upTo
	return fillers
}

func (s *Source) buildTag(name string, ev HardwareEvent, hwTrigger bool) matcher.PropertyMap {
	meta := matcher.PropertyMap{
		matcher.MetaLocalTime: ev.LocalTimeNs,
		matcher.MetaHWTrigger: hwTrigger,
	}
	for k, v := range ev.Fields {
		meta[k] = v
	}
	return matcher.PropertyMap{
		matcher.KeyTriggerName:   name,
		matcher.KeyTriggerTime:   ev.TimeNs,
		matcher.KeyTriggerOffset: 0.0,
		matcher.KeyTriggerMeta:   meta,
	}
}
