package bridge

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/config"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/cuemby/bridge/pkg/watcher"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T) (*Bridge, string) {
	t.Helper()
	archiveRoot := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(archiveRoot, "NQZ25.ticks"),
		[]byte("2026-07-30T10:00:00.000000Z,18500.25,18500.00,18500.50,4,1204,charting-app\n"),
		0o644,
	))

	symbolsPath := filepath.Join(t.TempDir(), "symbols.yaml")
	require.NoError(t, os.WriteFile(symbolsPath, []byte(`
symbols:
  - identifier: NQZ25
    role: nq-front-month
    asset_class: future
    priority: 1
    is_primary: true
`), 0o644))

	cfg := config.Default()
	cfg.ArchiveRoot = archiveRoot
	cfg.SymbolsFile = symbolsPath
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HistoricalAddr = "127.0.0.1:0"

	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { close(b.stopCh) })
	return b, archiveRoot
}

func TestNewLoadsActiveRecordsAndWatcherCanFollowThem(t *testing.T) {
	b, archiveRoot := newTestBridge(t)
	require.NotNil(t, b.historical)
	require.NotEmpty(t, b.registry.ActiveRecords())

	path := filepath.Join(archiveRoot, "NQZ25.ticks")
	require.NoError(t, b.watcher.Follow(registry.Identifier("NQZ25"), path))
}

func TestHandleEventExtractsAndPublishes(t *testing.T) {
	b, _ := newTestBridge(t)
	b.hub.Start()
	defer b.hub.Stop()

	b.handleEvent(watcher.Event{Identifier: "NQZ25", Kind: watcher.EventChanged})

	msg, ok := b.engine.Latest("NQZ25")
	require.True(t, ok)
	require.Equal(t, uint64(1), msg.Seq)
	require.Equal(t, "18500.25", msg.Fields["last"].(decimal.Decimal).String())
}

func TestStatusReflectsWatcherAndArchiveHealth(t *testing.T) {
	b, _ := newTestBridge(t)

	st := b.Status()
	require.False(t, st.WatcherOK) // watcher loop not started yet
	require.True(t, st.ArchiveRootOK)

	b.watcher.Start()
	defer b.watcher.Stop()
	require.Eventually(t, func() bool {
		return b.Status().WatcherOK
	}, time.Second, 10*time.Millisecond)
}

func TestStreamMuxUpgradesForActiveIdentifier(t *testing.T) {
	b, _ := newTestBridge(t)
	b.hub.Start()
	defer b.hub.Stop()

	srv := httptest.NewServer(b.streamMux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?symbol=NQZ25"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return b.hub.SubscriberCount("NQZ25") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestReconcileWatchesUnfollowsRetiredIdentifier(t *testing.T) {
	b, archiveRoot := newTestBridge(t)
	b.watcher.Start()
	defer b.watcher.Stop()

	retiredPath := filepath.Join(archiveRoot, "NQZ25.ticks")
	activePath := filepath.Join(archiveRoot, "NQU25.ticks")
	require.NoError(t, os.WriteFile(activePath, []byte("seed\n"), 0o644))

	b.reconcileWatches([]registry.Record{
		{Identifier: "NQZ25", Role: "primary"},
		{Identifier: "NQU25", Role: "secondary"},
	})

	// Rollover: NQZ25 drops out of the active set, NQU25 remains.
	b.reconcileWatches([]registry.Record{
		{Identifier: "NQU25", Role: "primary"},
	})

	require.NoError(t, os.WriteFile(retiredPath, []byte("post-rollover write\n"), 0o644))
	require.Never(t, func() bool {
		select {
		case ev := <-b.watcher.Events():
			return ev.Identifier == "NQZ25"
		default:
			return false
		}
	}, 300*time.Millisecond, 20*time.Millisecond, "a write to the retired contract's archive file must not surface an event")

	require.NoError(t, os.WriteFile(activePath, []byte("seed\nsecond line\n"), 0o644))
	require.Eventually(t, func() bool {
		select {
		case ev := <-b.watcher.Events():
			return ev.Identifier == "NQU25"
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "the still-active identifier must still be followed")
}

func TestStartReturnsErrorWhenListenAddrIsTaken(t *testing.T) {
	b, _ := newTestBridge(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	b.cfg.ListenAddr = taken.Addr().String()

	err = b.Start()
	require.Error(t, err)
	kind, ok := bridgeerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, bridgeerr.KindBindError, kind)
}

func TestHistoricalHandlerServesSnapshotAfterExtraction(t *testing.T) {
	b, _ := newTestBridge(t)
	b.hub.Start()
	defer b.hub.Stop()
	b.handleEvent(watcher.Event{Identifier: "NQZ25", Kind: watcher.EventChanged})

	srv := httptest.NewServer(b.historical.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/snapshot?symbol=NQZ25")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
