/*Package matcher implements the timing-to-sample matching algorithm: fusing
an ordered stream of timing-receiver events with an ordered stream of
hardware-detected trigger edges into a time-aligned tag stream.

A Matcher is created once per acquisition and reused across calls to Match;
it carries only the small amount of state needed for matches to span chunk
boundaries (the time of the last matched event, cleared by Reset). It performs no I/O and owns no goroutines, matching
the synchronous, stateless-besides-state-carrier contract the acquisition
engine depends on.
*/
package matcher

import (
	"fmt"
	"math"
)

// PropertyMap is an open bag of named values attached to a timing event or
// matched tag. Keys not interpreted by the matcher are passed through
// unmodified.
type PropertyMap map[string]interface{}

// Well-known PropertyMap keys.
const (
	KeyTriggerName   = "trigger_name"
	KeyTriggerTime   = "trigger_time"   // uint64, ns, UTC/TAI
	KeyTriggerOffset = "trigger_offset" // float64; ns on input, seconds on output
	KeyTriggerMeta   = "trigger_meta_info"

	MetaLocalTime  = "LOCAL-TIME"  // uint64, ns, monotonic
	MetaHWTrigger  = "HW-TRIGGER"  // bool
	UnknownEventID = "UNKNOWN_EVENT"

	// SignalInfoID marks a synthesized per-channel signal-info tag (see
	// KeySignalName and friends) rather than a matched timing event.
	SignalInfoID = "SIGNAL_INFO"

	KeySignalName     = "signal_name"
	KeySampleRate     = "sample_rate"
	KeySignalQuantity = "signal_quantity"
	KeySignalUnit     = "signal_unit"
	KeySignalMin      = "signal_min"
	KeySignalMax      = "signal_max"
)

// Tag is a timing event attached to a sample position.
type Tag struct {
	Index int
	Map   PropertyMap
}

// Severity classifies a diagnostic Message.
type Severity int

const (
	// SeverityInfo marks an expected, benign condition. Match itself emits
	// only SeverityWarning messages; an edge with no corresponding timing
	// event becomes a synthesized UNKNOWN_EVENT tag and produces no Message.
	SeverityInfo Severity = iota
	// SeverityWarning marks a soft failure worth surfacing to an operator
	// (a timing event with HW-TRIGGER set that never produced a pulse).
	SeverityWarning
)

// Message is a diagnostic emitted by Match that does not interrupt processing.
type Message struct {
	Severity Severity
	Text     string
}

// Result is everything produced by one call to Match.
type Result struct {
	Tags             []Tag
	ProcessedSamples int
	ProcessedTags    int
	Messages         []Message
}

// Matcher fuses timing events with trigger edges. The zero value is not
// usable; construct with New.
type Matcher struct {
	// SampleRateHz is the achieved sample rate of the chunk being matched.
	SampleRateHz float64

	// TimeoutNs is the maximum absolute distance, in nanoseconds, between an
	// event's expected sample position and a candidate edge for the two to
	// be considered a match.
	TimeoutNs float64

	lastMatchedEventTAINs int64
}

// New creates a Matcher with the given sample rate (Hz) and matching
// tolerance (ns).
func New(sampleRateHz, timeoutNs float64) *Matcher {
	return &Matcher{SampleRateHz: sampleRateHz, TimeoutNs: timeoutNs}
}

// Reset clears the matcher's inter-call state. The acquisition engine calls
// this whenever samples were dropped, since a drop invalidates the
// continuity assumption between calls.
func (m *Matcher) Reset() {
	m.lastMatchedEventTAINs = 0
}

func (m *Matcher) toleranceSamples() float64 {
	return m.TimeoutNs * m.SampleRateHz / 1e9
}

func (m *Matcher) slackSamples() int {
	return int(math.Ceil(m.toleranceSamples()))
}

// eventTimeNs returns the clock to use for expected-position math: LOCAL-TIME
// when present (it is always present on a well-formed raw event and equals
// trigger_time unless the event and hardware operate on different clocks),
// else trigger_time.
func eventTimeNs(tag PropertyMap) (int64, bool) {
	if meta, ok := tag[KeyTriggerMeta].(PropertyMap); ok {
		if lt, ok := toUint64(meta[MetaLocalTime]); ok {
			return int64(lt), true
		}
	}
	if tt, ok := toUint64(tag[KeyTriggerTime]); ok {
		return int64(tt), true
	}
	return 0, false
}

func triggerOffsetNs(tag PropertyMap) float64 {
	v, _ := toFloat64(tag[KeyTriggerOffset])
	return v
}

func hwTrigger(tag PropertyMap) bool {
	meta, ok := tag[KeyTriggerMeta].(PropertyMap)
	if !ok {
		return true
	}
	if b, ok := meta[MetaHWTrigger].(bool); ok {
		return b
	}
	return true
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	}
	return 0, false
}

// expectedIndex computes the sample position at which event's hardware pulse
// is expected, relative to acqStartNs.
func (m *Matcher) expectedIndex(tag PropertyMap, acqStartNs int64) (int, bool) {
	t, ok := eventTimeNs(tag)
	if !ok {
		return 0, false
	}
	offset := triggerOffsetNs(tag)
	deltaNs := float64(t-acqStartNs) + offset
	return int(math.Round(deltaNs * m.SampleRateHz / 1e9)), true
}

func residualSeconds(tag PropertyMap, matchedIndex int, acqStartNs int64, rateHz float64) float64 {
	t, _ := eventTimeNs(tag)
	offset := triggerOffsetNs(tag)
	idealNs := float64(t-acqStartNs) + offset
	matchedNs := float64(matchedIndex) * 1e9 / rateHz
	return (idealNs - matchedNs) / 1e9
}

func cloneWithOffset(tag PropertyMap, offsetSeconds float64) PropertyMap {
	out := make(PropertyMap, len(tag))
	for k, v := range tag {
		out[k] = v
	}
	out[KeyTriggerOffset] = offsetSeconds
	return out
}

func unknownEventTag(edgeIndex int, acqStartNs int64, rateHz float64) PropertyMap {
	t := acqStartNs + int64(float64(edgeIndex)*1e9/rateHz)
	return PropertyMap{
		KeyTriggerName:   UnknownEventID,
		KeyTriggerTime:   uint64(t),
		KeyTriggerOffset: 0.0,
		KeyTriggerMeta: PropertyMap{
			MetaLocalTime: uint64(t),
			MetaHWTrigger: false,
		},
	}
}

// Match fuses tags (timing events, non-decreasing in trigger_time) with
// edges (trigger-detected sample indices, strictly increasing, relative to
// the start of this chunk) and returns the matched tags along with how much
// of the chunk and input was finalized.
//
// Match never blocks and performs no I/O; it is safe to call repeatedly with
// disjoint chunks of the same logical stream, as long as acqStartNs advances
// by exactly the previous call's ProcessedSamples/SampleRateHz each time.
func (m *Matcher) Match(tags []PropertyMap, edges []int, chunkLength int, acqStartNs int64) Result {
	tol := m.toleranceSamples()
	slack := m.slackSamples()
	base := chunkLength - slack

	consumed := make([]bool, len(edges))
	var out []Tag
	var messages []Message

	processedTags := 0

	// prevEventTime/prevMatchedIndex let consecutive tags that share the
	// exact same trigger_time (multiple events tied to one hardware pulse,
	// by design) reuse the edge already consumed by the first of the group.
	havePrev := false
	var prevEventTime int64
	prevMatchedIndex := -1

	edgeCursor := 0

	withheld := false
	withheldIndex := -1

	for i := 0; i < len(tags); i++ {
		tag := tags[i]
		evTime, ok := eventTimeNs(tag)
		if !ok {
			processedTags++
			continue
		}
		expIdx, _ := m.expectedIndex(tag, acqStartNs)

		// Stale: this event's pulse fell before the current chunk started.
		// Its decision was already finalized by a previous call.
		if expIdx < 0 {
			processedTags++
			havePrev = false
			continue
		}

		settled := expIdx <= base-1

		if !settled && !(havePrev && evTime == prevEventTime && prevMatchedIndex >= 0) {
			withheld = true
			withheldIndex = i
			break
		}

		if !hwTrigger(tag) {
			out = append(out, Tag{Index: expIdx, Map: cloneWithOffset(tag, 0)})
			processedTags++
			havePrev = false
			continue
		}

		// Reuse the previous tag's matched edge if this tag shares its
		// exact timestamp (identical-timestamp grouping, S2).
		if havePrev && evTime == prevEventTime && prevMatchedIndex >= 0 {
			idx := prevMatchedIndex
			residual := residualSeconds(tag, idx, acqStartNs, m.SampleRateHz)
			out = append(out, Tag{Index: idx, Map: cloneWithOffset(tag, residual)})
			processedTags++
			continue
		}

		matched := -1
		scanTo := edgeCursor
		for k := edgeCursor; k < len(edges); k++ {
			if consumed[k] {
				scanTo = k + 1
				continue
			}
			d := float64(edges[k] - expIdx)
			if d > tol {
				break
			}
			scanTo = k + 1
			if d >= -tol {
				matched = k
				break
			}
		}

		if matched >= 0 {
			// Every unconsumed edge strictly before the match could never
			// be claimed by a later (ascending) tag; they are orphaned.
			for k := edgeCursor; k < matched; k++ {
				if consumed[k] {
					continue
				}
				consumed[k] = true
				out = append(out, Tag{Index: edges[k], Map: unknownEventTag(edges[k], acqStartNs, m.SampleRateHz)})
			}
			consumed[matched] = true
			idx := edges[matched]
			residual := residualSeconds(tag, idx, acqStartNs, m.SampleRateHz)
			out = append(out, Tag{Index: idx, Map: cloneWithOffset(tag, residual)})
			processedTags++
			havePrev = true
			prevEventTime = evTime
			prevMatchedIndex = idx
			edgeCursor = matched + 1
			continue
		}

		// No edge in tolerance. Orphan everything scanned (it can never be
		// claimed later, as tags are ascending) and drop this tag.
		for k := edgeCursor; k < scanTo; k++ {
			if consumed[k] {
				continue
			}
			consumed[k] = true
			out = append(out, Tag{Index: edges[k], Map: unknownEventTag(edges[k], acqStartNs, m.SampleRateHz)})
		}
		edgeCursor = scanTo

		messages = append(messages, Message{
			Severity: SeverityWarning,
			Text:     fmt.Sprintf("timing event %v expected no later than sample %d found no matching edge within %.0fns", tag[KeyTriggerName], expIdx, m.TimeoutNs),
		})
		processedTags++
		havePrev = false
	}

	// Finalize any trailing unconsumed edges that fall inside the settled
	// region; later-arriving edges (at/after the withhold boundary) are left
	// untouched for the engine to re-present next call.
	settledBound := base
	if withheld {
		if withheldIndex >= 0 {
			if wi, ok := m.expectedIndex(tags[withheldIndex], acqStartNs); ok && wi < settledBound {
				settledBound = wi
			}
		}
	}
	for k := edgeCursor; k < len(edges); k++ {
		if consumed[k] {
			continue
		}
		if edges[k] >= settledBound {
			break
		}
		consumed[k] = true
		out = append(out, Tag{Index: edges[k], Map: unknownEventTag(edges[k], acqStartNs, m.SampleRateHz)})
	}

	// processedSamples never exceeds base: a matched edge can land up to
	// tol samples past its tag's settled expected index, but counting that
	// past base would tell the caller samples beyond base are finalized
	// when other unconsumed edges in that region have not been
	// re-presented for a future call to pick up.
	processedSamples := base
	if withheld {
		if wi, ok := m.expectedIndex(tags[withheldIndex], acqStartNs); ok && wi < processedSamples {
			processedSamples = wi
		}
	}
	if processedSamples < 0 {
		processedSamples = 0
	}
	if processedSamples > chunkLength {
		processedSamples = chunkLength
	}

	if len(out) > 0 && processedTags > 0 {
		m.lastMatchedEventTAINs, _ = eventTimeNs(tags[processedTags-1])
	}

	return Result{
		Tags:             out,
		ProcessedSamples: processedSamples,
		ProcessedTags:    processedTags,
		Messages:         messages,
	}
}
