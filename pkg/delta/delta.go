// Package delta converts a stream of Tick snapshots per identifier into a
// stream of sequenced, field-level Delta Messages.
package delta

import (
	"sync"
	"time"

	"github.com/cuemby/bridge/pkg/metrics"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/cuemby/bridge/pkg/snapshot"
)

// MessageSource tags whether a Message carries the full state or only
// what changed.
type MessageSource string

const (
	SourceSnapshot MessageSource = "snapshot"
	SourceDelta    MessageSource = "delta"
)

// Message is a sequenced, field-level update for one identifier.
type Message struct {
	Identifier registry.Identifier
	Seq        uint64
	EventTime  time.Time
	Fields     map[string]any
	Source     MessageSource
}

// symbolState is mutated only while its own mutex is held: every
// identifier is independently serialized, but different identifiers never
// contend with each other.
type symbolState struct {
	mu   sync.Mutex
	last *snapshot.Tick
	seq  uint64
}

// Engine holds, per identifier, the last-published Tick and the
// monotonically increasing sequence number handed out for it.
type Engine struct {
	states sync.Map // registry.Identifier -> *symbolState
}

// NewEngine builds an empty Delta Engine. Sequence numbers for every
// identifier start fresh at the Engine's construction (per-process, per
// spec).
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) stateFor(id registry.Identifier) *symbolState {
	v, _ := e.states.LoadOrStore(id, &symbolState{})
	return v.(*symbolState)
}

// Apply diffs tick against the last-published state for its identifier and,
// if anything changed (or nothing has ever been published for it), returns
// the Message to hand to the Subscription Hub. The second return value is
// false when no fields differ, in which case no message should be emitted
// and seq is left untouched.
func (e *Engine) Apply(tick snapshot.Tick) (Message, bool) {
	st := e.stateFor(tick.Identifier)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.last == nil {
		st.last = &tick
		st.seq = 1
		metrics.DeltaMessagesTotal.WithLabelValues(string(SourceSnapshot)).Inc()
		metrics.DeltaSequence.WithLabelValues(string(tick.Identifier)).Set(float64(st.seq))
		return Message{
			Identifier: tick.Identifier,
			Seq:        st.seq,
			EventTime:  tick.EventTime,
			Fields:     allFields(tick),
			Source:     SourceSnapshot,
		}, true
	}

	changed := diff(*st.last, tick)
	if len(changed) == 0 {
		return Message{}, false
	}

	st.seq++
	st.last = &tick
	metrics.DeltaMessagesTotal.WithLabelValues(string(SourceDelta)).Inc()
	metrics.DeltaSequence.WithLabelValues(string(tick.Identifier)).Set(float64(st.seq))
	return Message{
		Identifier: tick.Identifier,
		Seq:        st.seq,
		EventTime:  tick.EventTime,
		Fields:     changed,
		Source:     SourceDelta,
	}, true
}

// Latest returns the current stored snapshot for identifier as a
// snapshot-tagged Message, for use when a new subscriber attaches or a
// resync is required. The zero Message and false are returned if nothing
// has been published yet for identifier.
func (e *Engine) Latest(id registry.Identifier) (Message, bool) {
	v, ok := e.states.Load(id)
	if !ok {
		return Message{}, false
	}
	st := v.(*symbolState)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.last == nil {
		return Message{}, false
	}
	return Message{
		Identifier: id,
		Seq:        st.seq,
		EventTime:  st.last.EventTime,
		Fields:     allFields(*st.last),
		Source:     SourceSnapshot,
	}, true
}

// LastSeq returns the most recently assigned sequence number for id, or 0
// if nothing has been published yet.
func (e *Engine) LastSeq(id registry.Identifier) uint64 {
	v, ok := e.states.Load(id)
	if !ok {
		return 0
	}
	st := v.(*symbolState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

func allFields(t snapshot.Tick) map[string]any {
	out := make(map[string]any, len(snapshot.FieldNames))
	for _, name := range snapshot.FieldNames {
		if v, ok := fieldOutput(t, name); ok {
			out[name] = v
		}
	}
	return out
}

// diff returns only the fields that differ between prev and next, keyed by
// field name. A field transitioning between present and absent counts as
// changed; two absent values never count as changed.
func diff(prev, next snapshot.Tick) map[string]any {
	out := make(map[string]any)
	for _, name := range snapshot.FieldNames {
		pv, pOK := fieldCompareKey(prev, name)
		nv, nOK := fieldCompareKey(next, name)
		if !pOK && !nOK {
			continue
		}
		if pOK != nOK || pv != nv {
			if v, ok := fieldOutput(next, name); ok {
				out[name] = v
			} else {
				out[name] = nil
			}
		}
	}
	return out
}

// fieldCompareKey extracts a comparable scalar for field name, and whether
// it was present at all. Comparable scalars (rather than the raw decimal
// or pointer) let diff use plain `!=` instead of reflect.DeepEqual.
func fieldCompareKey(t snapshot.Tick, name string) (any, bool) {
	switch name {
	case "last":
		if t.Last == nil {
			return nil, false
		}
		return t.Last.String(), true
	case "bid":
		if t.Bid == nil {
			return nil, false
		}
		return t.Bid.String(), true
	case "ask":
		if t.Ask == nil {
			return nil, false
		}
		return t.Ask.String(), true
	case "last_volume":
		if t.LastVolume == nil {
			return nil, false
		}
		return *t.LastVolume, true
	case "cumulative_volume":
		if t.CumulativeVolume == nil {
			return nil, false
		}
		return *t.CumulativeVolume, true
	default:
		return nil, false
	}
}

// fieldOutput extracts the value that should actually appear in a
// Message's Fields map (the typed value, not the comparison key).
func fieldOutput(t snapshot.Tick, name string) (any, bool) {
	switch name {
	case "last":
		if t.Last == nil {
			return nil, false
		}
		return *t.Last, true
	case "bid":
		if t.Bid == nil {
			return nil, false
		}
		return *t.Bid, true
	case "ask":
		if t.Ask == nil {
			return nil, false
		}
		return *t.Ask, true
	case "last_volume":
		if t.LastVolume == nil {
			return nil, false
		}
		return *t.LastVolume, true
	case "cumulative_volume":
		if t.CumulativeVolume == nil {
			return nil, false
		}
		return *t.CumulativeVolume, true
	default:
		return nil, false
	}
}
