package historical

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/bridge/pkg/archive"
	"github.com/cuemby/bridge/pkg/delta"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeSnapshots struct {
	msg delta.Message
	ok  bool
}

func (f fakeSnapshots) Latest(id registry.Identifier) (delta.Message, bool) { return f.msg, f.ok }

type fakeStatus struct {
	st Status
}

func (f fakeStatus) Status() Status { return f.st }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "NQZ25.ticks"), []byte("hello"), 0o644))
	reader, err := archive.NewReader(root, 1<<20)
	require.NoError(t, err)

	snaps := fakeSnapshots{ok: true, msg: delta.Message{
		Identifier: registry.Identifier("NQZ25"),
		Seq:        7,
		EventTime:  time.Date(2025, 9, 10, 14, 0, 0, 0, time.UTC),
		Fields:     map[string]any{"last": decimal.RequireFromString("23500.25")},
		Source:     delta.SourceSnapshot,
	}}
	status := fakeStatus{st: Status{WatcherOK: true, ArchiveRootOK: true, ActiveSubscriptions: 2}}

	return NewServer(reader, snaps, status), root
}

func TestHandleListReturnsEntries(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/dir?path=.", nil)
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var entries []archive.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
}

func TestHandleReadReturnsBytes(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/read?path=NQZ25.ticks&offset=0&length=5", nil)
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "hello", rr.Body.String())
}

func TestHandleReadRejectsEscapingPath(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/read?path=../../etc/passwd&offset=0&length=5", nil)
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandleLatestSnapshotReturnsCurrentRecord(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/snapshot?symbol=NQZ25", nil)
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body snapshotResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, uint64(7), body.Seq)
}

func TestHandleLatestSnapshotMissingSymbolReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/snapshot", nil)
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleHealthReportsDegradedWhenWatcherDown(t *testing.T) {
	root := t.TempDir()
	reader, err := archive.NewReader(root, 1<<20)
	require.NoError(t, err)
	s := NewServer(reader, fakeSnapshots{}, fakeStatus{st: Status{WatcherOK: false, ArchiveRootOK: true}})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
