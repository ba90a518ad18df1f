package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
archive_root: /data/archive
symbols_file: /data/symbols.yaml
listen_addr: ":9443"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/archive", cfg.ArchiveRoot)
	assert.Equal(t, ":9443", cfg.ListenAddr)
	assert.Equal(t, ":8080", cfg.HistoricalAddr)
	assert.Equal(t, 128, cfg.Hub.QueueDepth)
	assert.Equal(t, string(hub.PolicyDropOldestDelta), cfg.Hub.Policy)
}

func TestLoadParsesDurationScalars(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
archive_root: /data/archive
symbols_file: /data/symbols.yaml
listen_addr: ":9443"
debounce_window: 250ms
hub:
  keepalive_interval: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "250ms", cfg.DebounceWindow.Duration().String())
	assert.Equal(t, "30s", cfg.Hub.KeepaliveInterval.Duration().String())
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
listen_addr: ":9443"
`)

	_, err := Load(path)
	require.Error(t, err)
	kind, ok := bridgeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindConfigInvalid, kind)
}

func TestLoadRejectsUnknownHubPolicy(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
archive_root: /data/archive
symbols_file: /data/symbols.yaml
listen_addr: ":9443"
hub:
  policy: vaporize-subscriber
`)

	_, err := Load(path)
	require.Error(t, err)
	kind, ok := bridgeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindConfigInvalid, kind)
}

func TestEnvOverrideTakesPrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
archive_root: /data/archive
symbols_file: /data/symbols.yaml
listen_addr: ":9443"
`)

	t.Setenv("BRIDGE_LISTEN_ADDR", ":7000")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
}

func TestEnvOverrideRejectsUnparsableBool(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
archive_root: /data/archive
symbols_file: /data/symbols.yaml
listen_addr: ":9443"
`)
	t.Setenv("BRIDGE_LOG_JSON", "not-a-bool")

	cfg, err := Load(path)
	require.NoError(t, err) // override failures are logged, not fatal
	assert.True(t, cfg.LogJSON)
}

func TestLoadSymbolsRoundTripsFixture(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "symbols.yaml", `
symbols:
  - identifier: NQZ25
    role: es-front-month
    asset_class: future
    priority: 1
    is_primary: true
    timeframes: ["tick", "1m"]
  - identifier: NQH26
    role: es-front-month
    priority: 2
`)

	recs, err := LoadSymbols(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "NQZ25", recs[0].Identifier)
	assert.Equal(t, "es-front-month", recs[0].Role)
	assert.True(t, recs[0].IsPrimary)
	assert.Equal(t, []string{"tick", "1m"}, recs[0].Timeframes)
}

func TestLoadSymbolsMissingFileReturnsIOError(t *testing.T) {
	_, err := LoadSymbols(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	kind, ok := bridgeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindIOError, kind)
}

func TestLoadAcceptsMatchedTLSPair(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
archive_root: /data/archive
symbols_file: /data/symbols.yaml
listen_addr: ":9443"
tls_cert_file: /data/server.crt
tls_key_file: /data/server.key
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.TLSEnabled())
}

func TestLoadRejectsUnmatchedTLSPair(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
archive_root: /data/archive
symbols_file: /data/symbols.yaml
listen_addr: ":9443"
tls_cert_file: /data/server.crt
`)

	_, err := Load(path)
	require.Error(t, err)
	kind, ok := bridgeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindConfigInvalid, kind)
}

func TestTLSEnabledFalseWhenBothEmpty(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.TLSEnabled())
}
