package hub

import (
	"net/http"

	"github.com/cuemby/bridge/pkg/log"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// IdentifierResolver answers whether identifier is currently active, so
// the upgrade handler can reject a subscribe request for a rolled-off or
// unknown contract before ever upgrading the connection.
type IdentifierResolver interface {
	Lookup(id registry.Identifier) (registry.Record, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Streaming clients are chart applications on the same private mesh,
	// not browsers subject to same-origin policy; there is no cookie-based
	// session to protect against cross-site use.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHandler upgrades GET /v1/stream?symbol=<identifier> to a
// websocket connection and attaches it to the Hub as a new Subscriber.
type StreamHandler struct {
	hub      *Hub
	resolver IdentifierResolver
}

// NewStreamHandler builds the HTTP handler for the streaming endpoint.
func NewStreamHandler(h *Hub, resolver IdentifierResolver) *StreamHandler {
	return &StreamHandler{hub: h, resolver: resolver}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "missing symbol query parameter", http.StatusBadRequest)
		return
	}
	identifier := registry.Identifier(symbol)
	if _, ok := h.resolver.Lookup(identifier); !ok {
		http.Error(w, "unknown or inactive symbol", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("hub").Warn().Err(err).Str("symbol", symbol).Msg("websocket upgrade failed")
		return
	}

	h.hub.Subscribe(uuid.NewString(), identifier, conn)
}
