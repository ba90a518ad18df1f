package replay

import (
	"testing"
	"time"

	"github.com/cuemby/bridge/pkg/delta"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := NewRecorder(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAppendThenReplayRoundTrips(t *testing.T) {
	r := newTestRecorder(t)
	id := registry.Identifier("NQZ25")

	msgs := []delta.Message{
		{Identifier: id, Seq: 1, EventTime: time.Now().UTC(), Fields: map[string]any{"last": "100.25"}, Source: delta.SourceSnapshot},
		{Identifier: id, Seq: 2, EventTime: time.Now().UTC(), Fields: map[string]any{"last": "100.50"}, Source: delta.SourceDelta},
		{Identifier: id, Seq: 3, EventTime: time.Now().UTC(), Fields: map[string]any{"bid": "100.40"}, Source: delta.SourceDelta},
	}
	for _, m := range msgs {
		require.NoError(t, r.Append(m))
	}

	got, err := r.Replay(id, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, uint64(3), got[2].Seq)
}

func TestReplayFiltersByFromSeq(t *testing.T) {
	r := newTestRecorder(t)
	id := registry.Identifier("ESZ25")

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, r.Append(delta.Message{Identifier: id, Seq: seq, EventTime: time.Now().UTC(), Fields: map[string]any{}, Source: delta.SourceDelta}))
	}

	got, err := r.Replay(id, 4)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)
}

func TestReplayUnknownIdentifierReturnsEmpty(t *testing.T) {
	r := newTestRecorder(t)

	got, err := r.Replay(registry.Identifier("NEVER-SEEN"), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplaySeparatesIdentifiers(t *testing.T) {
	r := newTestRecorder(t)
	a, b := registry.Identifier("NQZ25"), registry.Identifier("ESZ25")

	require.NoError(t, r.Append(delta.Message{Identifier: a, Seq: 1, EventTime: time.Now().UTC(), Fields: map[string]any{}, Source: delta.SourceSnapshot}))
	require.NoError(t, r.Append(delta.Message{Identifier: b, Seq: 1, EventTime: time.Now().UTC(), Fields: map[string]any{}, Source: delta.SourceSnapshot}))

	gotA, err := r.Replay(a, 0)
	require.NoError(t, err)
	require.Len(t, gotA, 1)

	gotB, err := r.Replay(b, 0)
	require.NoError(t, err)
	require.Len(t, gotB, 1)
}
