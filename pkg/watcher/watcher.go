// Package watcher follows symbol archive files for writes and surfaces
// coalesced change notifications to the rest of the pipeline. It never
// reads file contents itself; that is the Snapshot Extractor's job.
package watcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/bridge/pkg/log"
	"github.com/cuemby/bridge/pkg/metrics"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// EventKind distinguishes an ordinary coalesced write from a forced resync.
type EventKind string

const (
	// EventChanged means: re-extract the newest record, diff against what
	// was last published.
	EventChanged EventKind = "changed"
	// EventResync means: the watch on this file was lost and (maybe)
	// reattached; the file is re-extracted and diffed exactly as for
	// EventChanged.
	EventResync EventKind = "resync"
)

// Event reports that identifier's archive file changed, or needs a resync.
type Event struct {
	Identifier registry.Identifier
	Path       string
	Kind       EventKind
}

// DefaultDebounceWindow is how long the watcher waits after the last write
// notification for a path before coalescing them into a single Changed
// event. Chart-writer applications commonly issue several small writes per
// tick (price, then volume, then a flush); without debouncing, each would
// trigger its own extraction pass.
const DefaultDebounceWindow = 120 * time.Millisecond

// reattachRetryInterval and reattachMaxAttempts bound how long the watcher
// keeps retrying Add after a watch handle is lost (e.g. the archive
// application replaced the file instead of appending to it) before giving
// up and emitting the resync anyway.
const (
	reattachRetryInterval = 200 * time.Millisecond
	reattachMaxAttempts   = 25
)

type watchedFile struct {
	identifier registry.Identifier
	path       string
}

// Watcher follows a set of archive files and emits Events for the rest of
// the pipeline to act on. It is safe for Follow to be called concurrently
// with the watch loop running.
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration

	mu     sync.Mutex
	files  map[string]watchedFile
	timers map[string]*time.Timer

	events  chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// Healthy reports whether the watch loop is still running. It goes false
// once the underlying fsnotify event channel closes and is never
// restored: that is a fatal condition for this Watcher instance, not a
// transient one (individual lost/reattached file watches don't affect it).
func (w *Watcher) Healthy() bool {
	return w.running.Load()
}

// New creates a Watcher. debounce <= 0 selects DefaultDebounceWindow.
func New(debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	return &Watcher{
		fsw:      fsw,
		logger:   log.WithComponent("watcher"),
		debounce: debounce,
		files:    make(map[string]watchedFile),
		timers:   make(map[string]*time.Timer),
		events:   make(chan Event, 256),
		stopCh:   make(chan struct{}),
	}, nil
}

// Follow registers path, belonging to identifier, to be watched. Follow may
// be called again for the same identifier when the Symbol Registry rolls
// it over to a new contract file.
func (w *Watcher) Follow(identifier registry.Identifier, path string) error {
	w.mu.Lock()
	w.files[path] = watchedFile{identifier: identifier, path: path}
	w.mu.Unlock()
	return w.fsw.Add(path)
}

// Unfollow stops watching path. Used when a rollover retires a file.
func (w *Watcher) Unfollow(path string) {
	w.mu.Lock()
	delete(w.files, path)
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	_ = w.fsw.Remove(path)
}

// Events returns the channel of change notifications. The caller must
// drain it; Watcher does not drop events on a full channel, it blocks
// (bounded by the buffer) until Stop is called.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins the watch loop in the background.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop halts the watch loop and releases the underlying fsnotify handle.
// It blocks until the loop has exited.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	w.logger.Info().Dur("debounce", w.debounce).Msg("file watcher started")
	w.running.Store(true)
	defer w.running.Store(false)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.logger.Warn().Msg("fsnotify event channel closed, resyncing all followed files")
				w.resyncAll("event channel closed")
				return
			}
			w.handleFsEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("fsnotify error")

		case <-w.stopCh:
			w.logger.Info().Msg("file watcher stopped")
			return
		}
	}
}

func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	switch {
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.scheduleDebounced(ev.Name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.handleWatchLost(ev.Name)
	}
}

// scheduleDebounced coalesces bursts of writes to path into a single
// Changed event, fired debounce after the last one observed.
func (w *Watcher) scheduleDebounced(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		wf, known := w.files[path]
		delete(w.timers, path)
		w.mu.Unlock()
		if !known {
			return
		}
		w.emit(Event{Identifier: wf.identifier, Path: wf.path, Kind: EventChanged})
	})
}

// handleWatchLost reacts to the archive application deleting or replacing
// a followed file in place (common for charting tools that rewrite rather
// than append). The inode-level watch fsnotify held is now gone even
// though the path may still exist or reappear shortly, so it retries Add
// in the background and emits a resync once reattached, or once it gives
// up retrying.
func (w *Watcher) handleWatchLost(path string) {
	w.mu.Lock()
	wf, known := w.files[path]
	w.mu.Unlock()
	if !known {
		return
	}
	w.logger.Warn().Str("path", path).Msg("watch handle lost, attempting to reattach")
	w.wg.Add(1)
	go w.reattach(wf)
}

func (w *Watcher) reattach(wf watchedFile) {
	defer w.wg.Done()

	for i := 0; i < reattachMaxAttempts; i++ {
		select {
		case <-w.stopCh:
			return
		case <-time.After(reattachRetryInterval):
		}
		if err := w.fsw.Add(wf.path); err == nil {
			w.logger.Info().Str("path", wf.path).Msg("watch reattached")
			w.emit(Event{Identifier: wf.identifier, Path: wf.path, Kind: EventResync})
			return
		}
	}
	w.logger.Error().Str("path", wf.path).Msg("giving up reattaching watch handle, resyncing anyway")
	w.emit(Event{Identifier: wf.identifier, Path: wf.path, Kind: EventResync})
}

func (w *Watcher) resyncAll(reason string) {
	w.mu.Lock()
	files := make([]watchedFile, 0, len(w.files))
	for _, wf := range w.files {
		files = append(files, wf)
	}
	w.mu.Unlock()

	w.logger.Warn().Str("reason", reason).Int("count", len(files)).Msg("resyncing all followed files")
	for _, wf := range files {
		w.emit(Event{Identifier: wf.identifier, Path: wf.path, Kind: EventResync})
	}
}

func (w *Watcher) emit(ev Event) {
	metrics.WatcherEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == EventResync {
		metrics.WatcherResyncsTotal.Inc()
	}
	select {
	case w.events <- ev:
	case <-w.stopCh:
	}
}
