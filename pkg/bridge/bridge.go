// Package bridge is the composition root: it constructs the Symbol
// Registry, Archive Reader, File Watcher, Delta Engine, Subscription Hub,
// and Historical API and wires them into one running process, as an
// explicit constructor rather than package-level globals and ad hoc
// goroutines started from main().
package bridge

import (
	"context"
	"crypto/tls"
	"hash/fnv"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/bridge/pkg/archive"
	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/config"
	"github.com/cuemby/bridge/pkg/delta"
	"github.com/cuemby/bridge/pkg/historical"
	"github.com/cuemby/bridge/pkg/hub"
	"github.com/cuemby/bridge/pkg/log"
	"github.com/cuemby/bridge/pkg/metrics"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/cuemby/bridge/pkg/replay"
	"github.com/cuemby/bridge/pkg/security"
	"github.com/cuemby/bridge/pkg/snapshot"
	"github.com/cuemby/bridge/pkg/watcher"
	"github.com/rs/zerolog"
)

// NumExtractorWorkers sizes the fixed pool that turns watcher Events into
// published Delta Messages. An identifier's events always land on the
// same worker (hash(identifier) % NumExtractorWorkers), so a symbol's
// updates are always processed in arrival order even though symbols are
// processed in parallel.
const NumExtractorWorkers = 4

// archiveFileName is the bridge's convention for where a contract's tick
// archive lives under the archive root. spec.md §9 leaves the on-disk
// record format (and, implicitly, layout) unspecified as
// "format-specific to the charting application"; this bridge adopts a
// flat "<identifier>.ticks" layout rather than inventing per-deployment
// configuration for it (see the pkg/bridge entry in DESIGN.md).
func archiveFileName(id registry.Identifier) string {
	return string(id) + ".ticks"
}

// Bridge owns every long-running actor in the process and is the only
// thing cmd/bridge constructs directly.
type Bridge struct {
	cfg *config.Config

	registry   *registry.Registry
	archive    *archive.Reader
	watcher    *watcher.Watcher
	engine     *delta.Engine
	hub        *hub.Hub
	historical *historical.Server
	recorder   *replay.Recorder // nil when cfg.ReplayPath == ""
	collector  *metrics.Collector

	streamMux        *http.ServeMux
	historicalServer *http.Server
	streamServer     *http.Server
	logger           zerolog.Logger

	watchedMu sync.Mutex
	watched   map[registry.Identifier]string // identifier -> archive path currently followed

	workerCh [NumExtractorWorkers]chan watcher.Event
	stopCh   chan struct{}
}

// New constructs every component and wires them together, but starts
// nothing: call Start to begin serving.
func New(cfg *config.Config) (*Bridge, error) {
	symbols, err := config.LoadSymbols(cfg.SymbolsFile)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(symbols, time.Now())
	if err != nil {
		return nil, err
	}

	archiveReader, err := archive.NewReader(cfg.ArchiveRoot, cfg.MaxReadBytes)
	if err != nil {
		return nil, err
	}

	w, err := watcher.New(cfg.DebounceWindow.Duration())
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindIOError, "bridge.New", cfg.ArchiveRoot, err)
	}

	engine := delta.NewEngine()

	h := hub.New(hub.Config{
		QueueDepth:        cfg.Hub.QueueDepth,
		Policy:            hub.Policy(cfg.Hub.Policy),
		KeepaliveInterval: cfg.Hub.KeepaliveInterval.Duration(),
		KeepaliveTimeout:  cfg.Hub.KeepaliveTimeout.Duration(),
		WriteDeadline:     cfg.Hub.WriteDeadline.Duration(),
		DrainDeadline:     cfg.Hub.DrainDeadline.Duration(),
	}, engine)

	var recorder *replay.Recorder
	if cfg.ReplayPath != "" {
		recorder, err = replay.NewRecorder(cfg.ReplayPath)
		if err != nil {
			return nil, err
		}
	}

	collector := metrics.NewCollector(reg, h)

	b := &Bridge{
		cfg:       cfg,
		registry:  reg,
		archive:   archiveReader,
		watcher:   w,
		engine:    engine,
		hub:       h,
		recorder:  recorder,
		collector: collector,
		logger:    log.WithComponent("bridge"),
		stopCh:    make(chan struct{}),
	}

	b.historical = historical.NewServer(archiveReader, engine, b)

	b.streamMux = http.NewServeMux()
	b.streamMux.Handle("/v1/stream", hub.NewStreamHandler(h, reg))

	reg.OnReload(func(records []registry.Record) { b.reconcileWatches(records) })

	return b, nil
}

// reconcileWatches follows every active record's archive file and
// unfollows whatever this bridge was previously following that dropped
// out of the active set. Follow is idempotent for a path the watcher
// already follows, so this is safe to call again on every registry
// Reload as rollovers bind new identifiers to new files. Unfollowing a
// retired leg also cancels its pending debounce timer (pkg/watcher), so
// a write to the old contract's archive file after rollover produces no
// event and therefore no published message for the retired identifier.
func (b *Bridge) reconcileWatches(records []registry.Record) {
	b.watchedMu.Lock()
	defer b.watchedMu.Unlock()

	next := make(map[registry.Identifier]string, len(records))
	for _, rec := range records {
		path := filepath.Join(b.cfg.ArchiveRoot, archiveFileName(rec.Identifier))
		next[rec.Identifier] = path
		if err := b.watcher.Follow(rec.Identifier, path); err != nil {
			b.logger.Warn().Err(err).Str("identifier", string(rec.Identifier)).Str("path", path).Msg("failed to follow archive file")
		}
	}

	for id, path := range b.watched {
		if _, stillActive := next[id]; stillActive {
			continue
		}
		b.watcher.Unfollow(path)
		b.logger.Info().Str("identifier", string(id)).Str("path", path).Msg("retired identifier, stopped following archive file")
	}

	b.watched = next
}

// Start binds both HTTP listeners and begins every background actor. A
// bind failure on either address is returned synchronously, before any
// goroutine is spawned, so callers (cmd/bridge) can map it to a distinct
// exit code instead of discovering it later in a log line. Serving itself
// continues in background goroutines until Shutdown is called.
func (b *Bridge) Start() error {
	streamLn, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindBindError, "bridge.Start", b.cfg.ListenAddr, err)
	}
	historicalLn, err := net.Listen("tcp", b.cfg.HistoricalAddr)
	if err != nil {
		streamLn.Close()
		return bridgeerr.Wrap(bridgeerr.KindBindError, "bridge.Start", b.cfg.HistoricalAddr, err)
	}

	if b.cfg.TLSEnabled() {
		tlsConfig, err := security.LoadServerTLSConfig(b.cfg.TLSCertFile, b.cfg.TLSKeyFile)
		if err != nil {
			streamLn.Close()
			historicalLn.Close()
			return err
		}
		streamLn = tlsListener(streamLn, tlsConfig)
	}

	b.reconcileWatches(b.registry.ActiveRecords())

	b.hub.Start()
	b.watcher.Start()
	b.collector.Start()

	for i := range b.workerCh {
		b.workerCh[i] = make(chan watcher.Event, 256)
		go b.extractWorker(b.workerCh[i])
	}
	go b.dispatchEvents()

	b.historicalServer = &http.Server{
		Handler:      b.historical.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		b.logger.Info().Str("addr", historicalLn.Addr().String()).Msg("historical API listening")
		if err := b.historicalServer.Serve(historicalLn); err != nil && err != http.ErrServerClosed {
			b.logger.Error().Err(err).Msg("historical API exited")
		}
	}()

	b.streamServer = &http.Server{
		Handler:      b.streamMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streaming connections are long-lived
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		b.logger.Info().Str("addr", streamLn.Addr().String()).Msg("streaming hub listening")
		if err := b.streamServer.Serve(streamLn); err != nil && err != http.ErrServerClosed {
			b.logger.Error().Err(err).Msg("streaming listener exited")
		}
	}()

	return nil
}

// tlsListener wraps ln so Serve negotiates TLS per connection, mirroring
// what http.Server.ListenAndServeTLS does internally for a listener this
// code already owns (needed here since the bind itself must happen before
// TLS config is known to be valid).
func tlsListener(ln net.Listener, cfg *tls.Config) net.Listener {
	return tls.NewListener(ln, cfg)
}

// dispatchEvents fans watcher Events out to the fixed worker pool, hashed
// by identifier so a symbol's events are always handled by the same
// worker and therefore never reordered relative to each other.
func (b *Bridge) dispatchEvents() {
	for {
		select {
		case ev, ok := <-b.watcher.Events():
			if !ok {
				return
			}
			idx := workerIndex(ev.Identifier)
			select {
			case b.workerCh[idx] <- ev:
			case <-b.stopCh:
				return
			}
		case <-b.stopCh:
			return
		}
	}
}

func workerIndex(id registry.Identifier) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % NumExtractorWorkers)
}

func (b *Bridge) extractWorker(in <-chan watcher.Event) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			b.handleEvent(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bridge) handleEvent(ev watcher.Event) {
	rel := archiveFileName(ev.Identifier)
	entry, err := b.archive.Stat(rel)
	if err != nil {
		b.logger.Warn().Err(err).Str("identifier", string(ev.Identifier)).Msg("failed to stat archive file for extraction")
		return
	}

	extractor := snapshot.Dispatch(entry.Kind, b.archive)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	tick, err := extractor.Extract(ctx, ev.Identifier, rel)
	cancel()
	if err != nil {
		b.logger.Warn().Err(err).Str("identifier", string(ev.Identifier)).Msg("extraction failed")
		return
	}

	msg, changed := b.engine.Apply(tick)
	if !changed {
		return
	}

	b.hub.Publish(msg)

	if b.recorder != nil {
		if err := b.recorder.Append(msg); err != nil {
			b.logger.Warn().Err(err).Str("identifier", string(ev.Identifier)).Msg("failed to append replay record")
		}
	}
}

// Reload validates symbols and, if structurally sound, atomically swaps
// it into the Symbol Registry. The registry's OnReload hook (registered
// in New) re-follows every newly active identifier's archive file as a
// side effect; a rejected reload leaves the previous table and watches
// untouched.
func (b *Bridge) Reload(symbols []registry.SymbolConfig) error {
	return b.registry.Reload(symbols, time.Now())
}

// Status implements historical.StatusProvider.
func (b *Bridge) Status() historical.Status {
	lastSeq := make(map[registry.Identifier]uint64)
	for _, rec := range b.registry.ActiveRecords() {
		if seq := b.engine.LastSeq(rec.Identifier); seq > 0 {
			lastSeq[rec.Identifier] = seq
		}
	}

	archiveRootOK := true
	if _, err := b.archive.Stat(""); err != nil {
		archiveRootOK = false
	}

	return historical.Status{
		WatcherOK:           b.watcher.Healthy(),
		ArchiveRootOK:       archiveRootOK,
		ActiveSubscriptions: b.hub.TotalSubscribers(),
		LastSeq:             lastSeq,
	}
}

// Shutdown stops accepting new HTTP connections on both listeners, stops
// the extraction workers and the watcher, stops the hub, and releases the
// replay recorder's database handle. Stopping the hub closes every
// subscription at once: messages still queued for a subscriber are
// discarded, not flushed, and no subscription passes through draining on
// this path. Both listeners are nil if Shutdown is called without a prior
// successful Start.
func (b *Bridge) Shutdown(ctx context.Context) error {
	close(b.stopCh)

	if b.streamServer != nil {
		_ = b.streamServer.Shutdown(ctx)
	}
	if b.historicalServer != nil {
		_ = b.historicalServer.Shutdown(ctx)
	}

	b.watcher.Stop()
	b.hub.Stop()
	b.collector.Stop()

	if b.recorder != nil {
		_ = b.recorder.Close()
	}

	return nil
}
