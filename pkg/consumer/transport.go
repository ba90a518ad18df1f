package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/bridge/pkg/registry"
	"github.com/gorilla/websocket"
)

// WebsocketDialer opens streaming connections against a Subscription Hub
// reachable at BaseURL (e.g. "ws://bridge.local:8443").
type WebsocketDialer struct {
	BaseURL          string
	HandshakeTimeout time.Duration
}

// Dial opens a new connection keyed by identifier's stream endpoint.
func (d *WebsocketDialer) Dial(ctx context.Context, identifier registry.Identifier) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	target := fmt.Sprintf("%s/v1/stream?symbol=%s", d.BaseURL, url.QueryEscape(string(identifier)))
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadJSON(v any) error { return w.conn.ReadJSON(v) }
func (w *wsConn) Close() error         { return w.conn.Close() }

// HTTPHistoricalClient fetches latest_snapshot from the Historical API's
// REST/JSON endpoint.
type HTTPHistoricalClient struct {
	BaseURL string
	Client  *http.Client
}

func (h *HTTPHistoricalClient) httpClient() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

type latestSnapshotBody struct {
	Symbol string         `json:"symbol"`
	Seq    uint64         `json:"seq"`
	Fields map[string]any `json:"fields"`
}

// LatestSnapshot implements HistoricalClient.
func (h *HTTPHistoricalClient) LatestSnapshot(ctx context.Context, identifier registry.Identifier) (CachedSnapshot, error) {
	target := fmt.Sprintf("%s/v1/snapshot?symbol=%s", h.BaseURL, url.QueryEscape(string(identifier)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return CachedSnapshot{}, err
	}

	resp, err := h.httpClient().Do(req)
	if err != nil {
		return CachedSnapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CachedSnapshot{}, fmt.Errorf("historical API returned status %d for %s", resp.StatusCode, identifier)
	}

	var body latestSnapshotBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return CachedSnapshot{}, err
	}
	return CachedSnapshot{
		Identifier: identifier,
		Fields:     body.Fields,
		Seq:        body.Seq,
		UpdatedAt:  time.Now(),
	}, nil
}
