package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/bridge/pkg/registry"
	"github.com/stretchr/testify/require"
)

func TestChangedEventFiresAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NQZ25.ticks")
	require.NoError(t, os.WriteFile(path, []byte("line one\n"), 0o644))

	w, err := New(30 * time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Follow(registry.Identifier("NQZ25"), path))
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))

	select {
	case ev := <-w.Events():
		require.Equal(t, EventChanged, ev.Kind)
		require.Equal(t, registry.Identifier("NQZ25"), ev.Identifier)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for changed event")
	}
}

func TestBurstOfWritesCoalescesIntoOneEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NQZ25.ticks")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	w, err := New(150 * time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Follow(registry.Identifier("NQZ25"), path))
	w.Start()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.WriteString("tick\n")
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced event")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("expected writes to coalesce into a single event, got extra %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestUnfollowStopsDebounceTimer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NQZ25.ticks")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	w, err := New(50 * time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Follow(registry.Identifier("NQZ25"), path))
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("tick\n"), 0o644))
	w.Unfollow(path)

	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event after unfollow, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
