package delta

import (
	"testing"
	"time"

	"github.com/cuemby/bridge/pkg/registry"
	"github.com/cuemby/bridge/pkg/snapshot"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func i64(v int64) *int64 { return &v }

func TestFirstTickEmitsFullSnapshot(t *testing.T) {
	e := NewEngine()
	tick := snapshot.Tick{
		Identifier:       registry.Identifier("NQZ25"),
		EventTime:        time.Date(2025, 9, 10, 14, 0, 0, 0, time.UTC),
		Last:             dec("23500.00"),
		Bid:              dec("23499.75"),
		Ask:              dec("23500.25"),
		LastVolume:       i64(1),
		CumulativeVolume: i64(900),
	}

	msg, ok := e.Apply(tick)
	require.True(t, ok)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, SourceSnapshot, msg.Source)
	assert.Len(t, msg.Fields, len(snapshot.FieldNames))
}

func TestSeqIncreasesGaplesslyOnEachChange(t *testing.T) {
	e := NewEngine()
	id := registry.Identifier("NQZ25")
	base := time.Date(2025, 9, 10, 14, 0, 0, 0, time.UTC)

	_, ok := e.Apply(snapshot.Tick{Identifier: id, EventTime: base, Last: dec("23500.00")})
	require.True(t, ok)

	msg, ok := e.Apply(snapshot.Tick{Identifier: id, EventTime: base.Add(time.Second), Last: dec("23500.25")})
	require.True(t, ok)
	assert.Equal(t, uint64(2), msg.Seq)
	assert.Equal(t, SourceDelta, msg.Source)

	msg, ok = e.Apply(snapshot.Tick{Identifier: id, EventTime: base.Add(2 * time.Second), Last: dec("23500.50")})
	require.True(t, ok)
	assert.Equal(t, uint64(3), msg.Seq)
}

func TestIdenticalRecordAppendedAgainEmitsNoMessage(t *testing.T) {
	e := NewEngine()
	id := registry.Identifier("NQZ25")
	base := time.Date(2025, 9, 10, 14, 0, 0, 0, time.UTC)

	tick := snapshot.Tick{Identifier: id, EventTime: base, Last: dec("23500.00"), CumulativeVolume: i64(900)}
	_, ok := e.Apply(tick)
	require.True(t, ok)

	msg, ok := e.Apply(snapshot.Tick{Identifier: id, EventTime: base.Add(time.Second), Last: dec("23500.25"), CumulativeVolume: i64(901)})
	require.True(t, ok)
	assert.Equal(t, uint64(2), msg.Seq)

	// identical record appended again: no message, seq stays at 2
	_, ok = e.Apply(snapshot.Tick{Identifier: id, EventTime: base.Add(2 * time.Second), Last: dec("23500.25"), CumulativeVolume: i64(901)})
	assert.False(t, ok)
	assert.Equal(t, uint64(2), e.LastSeq(id))
}

func TestTimestampRegressionDoesNotSuppressFieldDiff(t *testing.T) {
	e := NewEngine()
	id := registry.Identifier("NQZ25")
	later := time.Date(2025, 9, 10, 14, 0, 5, 0, time.UTC)
	earlier := later.Add(-3 * time.Second)

	_, ok := e.Apply(snapshot.Tick{Identifier: id, EventTime: later, Last: dec("23500.00")})
	require.True(t, ok)

	// a late-arriving record with an earlier timestamp still gets diffed
	// and, since the price differs, still produces a delta.
	msg, ok := e.Apply(snapshot.Tick{Identifier: id, EventTime: earlier, Last: dec("23499.75")})
	require.True(t, ok)
	assert.Equal(t, uint64(2), msg.Seq)
	assert.Equal(t, earlier, msg.EventTime)
}

func TestOnlyChangedFieldsAppearInDeltaMessage(t *testing.T) {
	e := NewEngine()
	id := registry.Identifier("NQZ25")
	base := time.Date(2025, 9, 10, 14, 0, 0, 0, time.UTC)

	_, ok := e.Apply(snapshot.Tick{
		Identifier: id, EventTime: base,
		Last: dec("23500.00"), Bid: dec("23499.75"), Ask: dec("23500.25"),
	})
	require.True(t, ok)

	msg, ok := e.Apply(snapshot.Tick{
		Identifier: id, EventTime: base.Add(time.Second),
		Last: dec("23500.00"), Bid: dec("23499.50"), Ask: dec("23500.25"),
	})
	require.True(t, ok)
	assert.Equal(t, SourceDelta, msg.Source)
	assert.Len(t, msg.Fields, 1)
	_, hasBid := msg.Fields["bid"]
	assert.True(t, hasBid)
}

func TestFieldBecomingAbsentCountsAsChange(t *testing.T) {
	e := NewEngine()
	id := registry.Identifier("NQZ25")
	base := time.Date(2025, 9, 10, 14, 0, 0, 0, time.UTC)

	_, ok := e.Apply(snapshot.Tick{Identifier: id, EventTime: base, Last: dec("23500.00"), Bid: dec("23499.75")})
	require.True(t, ok)

	msg, ok := e.Apply(snapshot.Tick{Identifier: id, EventTime: base.Add(time.Second), Last: dec("23500.00"), Bid: nil})
	require.True(t, ok)
	v, ok := msg.Fields["bid"]
	require.True(t, ok)
	assert.Nil(t, v)
}

func TestLatestReturnsMostRecentSnapshot(t *testing.T) {
	e := NewEngine()
	id := registry.Identifier("NQZ25")
	base := time.Date(2025, 9, 10, 14, 0, 0, 0, time.UTC)

	_, ok := e.Apply(snapshot.Tick{Identifier: id, EventTime: base, Last: dec("23500.00")})
	require.True(t, ok)
	_, ok = e.Apply(snapshot.Tick{Identifier: id, EventTime: base.Add(time.Second), Last: dec("23500.25")})
	require.True(t, ok)

	msg, ok := e.Latest(id)
	require.True(t, ok)
	assert.Equal(t, uint64(2), msg.Seq)
	assert.Equal(t, SourceSnapshot, msg.Source)
	assert.Equal(t, "23500.25", msg.Fields["last"].(decimal.Decimal).String())
}

func TestLatestUnknownIdentifierReturnsFalse(t *testing.T) {
	e := NewEngine()
	_, ok := e.Latest(registry.Identifier("UNKNOWN"))
	assert.False(t, ok)
	assert.Equal(t, uint64(0), e.LastSeq(registry.Identifier("UNKNOWN")))
}

func TestIndependentIdentifiersHaveIndependentSequences(t *testing.T) {
	e := NewEngine()
	base := time.Date(2025, 9, 10, 14, 0, 0, 0, time.UTC)
	nq := registry.Identifier("NQZ25")
	es := registry.Identifier("ESZ25")

	_, ok := e.Apply(snapshot.Tick{Identifier: nq, EventTime: base, Last: dec("23500.00")})
	require.True(t, ok)
	_, ok = e.Apply(snapshot.Tick{Identifier: nq, EventTime: base.Add(time.Second), Last: dec("23500.25")})
	require.True(t, ok)
	_, ok = e.Apply(snapshot.Tick{Identifier: es, EventTime: base, Last: dec("5700.00")})
	require.True(t, ok)

	assert.Equal(t, uint64(2), e.LastSeq(nq))
	assert.Equal(t, uint64(1), e.LastSeq(es))
}
