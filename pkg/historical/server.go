// Package historical exposes request/response access to archive content
// and the latest stored snapshot for callers that are not on the
// streaming path: backfill jobs, UI probes, and the Streaming Consumer's
// fallback poller.
package historical

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/bridge/pkg/archive"
	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/delta"
	"github.com/cuemby/bridge/pkg/log"
	"github.com/cuemby/bridge/pkg/metrics"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/rs/zerolog"
)

// ArchiveAPI is the subset of *archive.Reader the historical server needs.
type ArchiveAPI interface {
	List(relativePath string) ([]archive.Entry, error)
	Stat(relativePath string) (archive.Entry, error)
	ReadRange(relativePath string, offset, length int64, mode archive.Mode) ([]byte, error)
}

// SnapshotAPI is the subset of *delta.Engine the historical server needs.
type SnapshotAPI interface {
	Latest(id registry.Identifier) (delta.Message, bool)
}

// Status is a structured liveness/readiness report.
type Status struct {
	WatcherOK           bool
	ArchiveRootOK       bool
	ActiveSubscriptions int
	LastSeq             map[registry.Identifier]uint64
}

// StatusProvider supplies the current Status for the /health endpoint.
type StatusProvider interface {
	Status() Status
}

// Server is a plain net/http JSON API over the Archive Reader and Delta
// Engine. It never accepts a raw filesystem path from a caller without
// routing it through the Archive Reader's canonicalization.
type Server struct {
	archive   ArchiveAPI
	snapshots SnapshotAPI
	status    StatusProvider
	logger    zerolog.Logger
	mux       *http.ServeMux
}

// NewServer wires the historical API's HTTP routes.
func NewServer(archiveAPI ArchiveAPI, snapshots SnapshotAPI, status StatusProvider) *Server {
	mux := http.NewServeMux()
	s := &Server{
		archive:   archiveAPI,
		snapshots: snapshots,
		status:    status,
		logger:    log.WithComponent("historical"),
		mux:       mux,
	}

	mux.HandleFunc("/v1/dir", instrument("dir", s.handleList))
	mux.HandleFunc("/v1/stat", instrument("stat", s.handleStat))
	mux.HandleFunc("/v1/read", instrument("read", s.handleRead))
	mux.HandleFunc("/v1/snapshot", instrument("snapshot", s.handleLatestSnapshot))
	mux.HandleFunc("/health", instrument("health", s.handleHealth))

	return s
}

// Handler returns the HTTP handler, for embedding or for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the historical API on addr until the process stops
// or ListenAndServe returns an error.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("historical API listening")
	return server.ListenAndServe()
}

// statusCapturingWriter records the status code written so instrument can
// label the request metrics after the handler returns.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrument wraps h to record request count and duration under endpoint.
func instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		timer.ObserveDurationVec(metrics.HistoricalRequestDuration, endpoint)
		metrics.HistoricalRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := s.archive.List(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, "historical.list_dir", err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entry, err := s.archive.Stat(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, "historical.stat", err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	path := q.Get("path")

	offset, err := parseInt64(q.Get("offset"), 0)
	if err != nil {
		s.writeError(w, "historical.read", bridgeerr.Wrap(bridgeerr.KindParseError, "historical.read", path, err))
		return
	}
	length, err := parseInt64(q.Get("length"), 0)
	if err != nil {
		s.writeError(w, "historical.read", bridgeerr.Wrap(bridgeerr.KindParseError, "historical.read", path, err))
		return
	}

	mode := archive.ModeBinary
	if q.Get("mode") == "text" {
		mode = archive.ModeText
	}

	data, err := s.archive.ReadRange(path, offset, length, mode)
	if err != nil {
		s.writeError(w, "historical.read", err)
		return
	}

	if mode == archive.ModeText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// snapshotResponse mirrors the streaming wire shape so a Historical API
// caller and a streaming subscriber see the same record for the same
// identifier.
type snapshotResponse struct {
	Symbol string         `json:"symbol"`
	Seq    uint64         `json:"seq"`
	Ts     string         `json:"ts"`
	Fields map[string]any `json:"fields"`
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeError(w, "historical.latest_snapshot", bridgeerr.New(bridgeerr.KindParseError, "historical.latest_snapshot", "", "missing symbol query parameter"))
		return
	}

	msg, ok := s.snapshots.Latest(registry.Identifier(symbol))
	if !ok {
		s.writeError(w, "historical.latest_snapshot", bridgeerr.New(bridgeerr.KindNoData, "historical.latest_snapshot", symbol, "no data observed yet for this identifier"))
		return
	}

	s.writeJSON(w, http.StatusOK, snapshotResponse{
		Symbol: string(msg.Identifier),
		Seq:    msg.Seq,
		Ts:     msg.EventTime.UTC().Format("2006-01-02T15:04:05.000000Z"),
		Fields: msg.Fields,
	})
}

type healthResponse struct {
	Status              string            `json:"status"`
	WatcherOK           bool              `json:"watcher_ok"`
	ArchiveRootOK       bool              `json:"archive_ok"`
	ActiveSubscriptions int               `json:"subscriptions"`
	LastSeq             map[string]uint64 `json:"last_seq_by_symbol"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.status.Status()

	lastSeq := make(map[string]uint64, len(st.LastSeq))
	for id, seq := range st.LastSeq {
		lastSeq[string(id)] = seq
	}

	status := "ok"
	code := http.StatusOK
	if !st.WatcherOK || !st.ArchiveRootOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, healthResponse{
		Status:              status,
		WatcherOK:           st.WatcherOK,
		ArchiveRootOK:       st.ArchiveRootOK,
		ActiveSubscriptions: st.ActiveSubscriptions,
		LastSeq:             lastSeq,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response body")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	kind, ok := bridgeerr.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		status = statusForKind(kind)
	} else {
		s.logger.Error().Err(err).Str("op", op).Msg("unclassified historical API error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Kind: string(kind)})
}

func statusForKind(kind bridgeerr.Kind) int {
	switch kind {
	case bridgeerr.KindForbidden:
		return http.StatusForbidden
	case bridgeerr.KindNotFound, bridgeerr.KindNoData:
		return http.StatusNotFound
	case bridgeerr.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case bridgeerr.KindParseError, bridgeerr.KindConfigInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseInt64(s string, fallback int64) (int64, error) {
	if s == "" {
		return fallback, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
