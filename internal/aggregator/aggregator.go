// Package aggregator collapses bursts of similar events into one
// representative "event" message plus later "suppressed" summaries,
// per (source, group). It is single-threaded: all state is touched
// only from the consumer loop that feeds ProcessEvent.
package aggregator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/n6hub/n6pipe/internal/event"
	"github.com/n6hub/n6pipe/internal/metrics"
)

var (
	// ErrMissingGroup: the incoming event has no _group attribute.
	ErrMissingGroup = errors.New("aggregator: event has no _group")

	// ErrOutOfOrder: the incoming event is older than the source's
	// observed time minus the tolerance.
	ErrOutOfOrder = errors.New("aggregator: out-of-order event")
)

// Defaults for the per-source thresholds; both are configurable.
const (
	DefaultGroupWindow       = 12 * time.Hour
	DefaultInactivityTimeout = 24 * time.Hour
	DefaultTolerance         = 10 * time.Minute
)

// HiFreqEventData is the live record of one burst group.
// Invariant: First <= Until <= the owning source's Time; Count >= 1.
type HiFreqEventData struct {
	Payload *event.Event `json:"payload"`
	First   time.Time    `json:"first"`
	Until   time.Time    `json:"until"`
	Count   int          `json:"count"`
}

// SourceData holds the aggregation state of one source.
type SourceData struct {
	// Time is the max observed event time for the source.
	Time time.Time `json:"time"`
	// LastEvent is the wall-clock arrival of the most recent in-order
	// event; the inactivity sweep keys off it.
	LastEvent time.Time `json:"last_event"`

	Groups map[string]*HiFreqEventData `json:"groups"`
	// Buffer holds generations displaced by a same-group restart
	// (new day or group window exceeded) awaiting their suppressed
	// flush.
	Buffer map[string]*HiFreqEventData `json:"buffer"`

	Tolerance time.Duration `json:"time_tolerance"`
}

// Aggregator is the per-source sliding-window state machine.
type Aggregator struct {
	GroupWindow       time.Duration
	InactivityTimeout time.Duration
	Tolerance         time.Duration
	Log               zerolog.Logger

	Sources map[string]*SourceData `json:"sources"`

	now func() time.Time // test hook
}

func New(log zerolog.Logger) *Aggregator {
	return &Aggregator{
		GroupWindow:       DefaultGroupWindow,
		InactivityTimeout: DefaultInactivityTimeout,
		Tolerance:         DefaultTolerance,
		Log:               log.With().Str("component", "aggregator").Logger(),
		Sources:           make(map[string]*SourceData),
	}
}

func (a *Aggregator) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now().UTC()
}

func (a *Aggregator) sourceData(source string) *SourceData {
	sd, ok := a.Sources[source]
	if !ok {
		sd = &SourceData{
			Groups:    make(map[string]*HiFreqEventData),
			Buffer:    make(map[string]*HiFreqEventData),
			Tolerance: a.Tolerance,
		}
		a.Sources[source] = sd
	}
	return sd
}

// ProcessEvent handles one incoming parsed event and returns the
// messages to publish, in order: suppressed flushes triggered by this
// event's time first, then (when a new group generation starts) the
// event itself. The returned events carry Type and have _group
// stripped.
func (a *Aggregator) ProcessEvent(e *event.Event) ([]*event.Event, error) {
	if e.Group == "" {
		return nil, fmt.Errorf("%w (id=%s source=%s)", ErrMissingGroup, e.ID, e.Source)
	}

	sd := a.sourceData(e.Source)

	if !sd.Time.IsZero() && e.Time.Before(sd.Time.Add(-sd.Tolerance)) {
		return nil, fmt.Errorf("%w: event %s at %s, source time %s",
			ErrOutOfOrder, e.ID, e.Time.Format(time.RFC3339), sd.Time.Format(time.RFC3339))
	}

	var out []*event.Event
	out = append(out, a.flushTriggered(sd, e.Time)...)

	if e.Time.After(sd.Time) {
		sd.Time = e.Time
	}
	sd.LastEvent = a.clock()

	g := e.Group
	cur, active := sd.Groups[g]
	switch {
	case !active:
		sd.Groups[g] = newHiFreq(e)
		out = append(out, representative(e))
		metrics.AggregatedEventsTotal.WithLabelValues("event").Inc()

	case sameDay(e.Time, cur.Until) && e.Time.Sub(cur.First) <= a.GroupWindow:
		cur.Count++
		cur.Until = e.Time
		metrics.AggregatedEventsTotal.WithLabelValues("folded").Inc()

	default:
		// New day, or the group window since First is exhausted:
		// displace the current generation into the buffer and start
		// a new one.
		sd.Buffer[g] = cur
		sd.Groups[g] = newHiFreq(e)
		out = append(out, representative(e))
		metrics.AggregatedEventsTotal.WithLabelValues("event").Inc()
	}
	return out, nil
}

// flushTriggered emits suppressed summaries for groups gone cold
// relative to the trigger time. Groups are visited in group-id order
// and iteration stops at the first one still hot, preserving the
// "this source is still hot" invariant.
func (a *Aggregator) flushTriggered(sd *SourceData, trigger time.Time) []*event.Event {
	var out []*event.Event
	for _, g := range sortedKeys(sd.Groups) {
		cur := sd.Groups[g]
		if sameDay(trigger, cur.Until) && !trigger.After(cur.Until.Add(a.GroupWindow)) {
			break
		}
		out = append(out, a.flushGroup(sd, g)...)
	}
	return out
}

// flushGroup emits the suppressed summaries for one group (buffered
// generation first, then the live one) and drops the group's state.
func (a *Aggregator) flushGroup(sd *SourceData, g string) []*event.Event {
	var out []*event.Event
	if buf, ok := sd.Buffer[g]; ok {
		if s := suppressed(buf); s != nil {
			out = append(out, s)
		}
		delete(sd.Buffer, g)
	}
	if cur, ok := sd.Groups[g]; ok {
		if s := suppressed(cur); s != nil {
			out = append(out, s)
		}
		delete(sd.Groups, g)
	}
	return out
}

// InactivitySweep emits suppressed summaries for every group of any
// source whose last in-order event is older than the inactivity
// timeout, then clears that source's state.
func (a *Aggregator) InactivitySweep() []*event.Event {
	cutoff := a.clock().Add(-a.InactivityTimeout)

	var out []*event.Event
	for _, source := range sortedKeys(a.Sources) {
		sd := a.Sources[source]
		if sd.LastEvent.After(cutoff) {
			continue
		}
		for _, g := range sortedKeys(sd.Groups) {
			out = append(out, a.flushGroup(sd, g)...)
		}
		// Buffer entries whose live group is already gone.
		for _, g := range sortedKeys(sd.Buffer) {
			out = append(out, a.flushGroup(sd, g)...)
		}
		if len(sd.Groups)+len(sd.Buffer) == 0 && !sd.LastEvent.IsZero() {
			a.Log.Debug().Str("source", source).Msg("source state cleared after inactivity")
		}
	}
	return out
}

func newHiFreq(e *event.Event) *HiFreqEventData {
	payload := *e
	return &HiFreqEventData{
		Payload: &payload,
		First:   e.Time,
		Until:   e.Time,
		Count:   1,
	}
}

// representative is the published form of a fresh generation's first
// event: type=event, _group stripped.
func representative(e *event.Event) *event.Event {
	out := *e
	out.Group = ""
	out.Type = event.KindEvent
	return &out
}

// suppressed builds the summary for a finished generation. A
// generation that never folded anything (count == 1) produces nothing:
// its representative already said everything.
func suppressed(h *HiFreqEventData) *event.Event {
	if h.Count <= 1 {
		return nil
	}
	out := *h.Payload
	out.Group = ""
	out.Type = event.KindSuppressed
	out.Count = h.Count
	out.Until = h.Until
	out.FirstTime = h.First
	metrics.SuppressedFlushesTotal.Inc()
	return &out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
