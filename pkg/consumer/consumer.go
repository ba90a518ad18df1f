// Package consumer maintains a client-side, per-identifier cache fed by
// the Subscription Hub's streaming connection, falling back to periodic
// polling against the Historical API while disconnected.
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/bridge/pkg/log"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/rs/zerolog"
)

// Availability describes what Get can promise about a cached snapshot.
type Availability string

const (
	Unknown Availability = "unknown"
	Fresh   Availability = "fresh"
	Stale   Availability = "stale"
)

// CachedSnapshot is the merged view of an identifier's fields as last
// observed by streaming or fallback polling.
type CachedSnapshot struct {
	Identifier registry.Identifier
	Fields     map[string]any
	Seq        uint64
	UpdatedAt  time.Time
}

// WireMessage mirrors the Subscription Hub's JSON message shape.
type WireMessage struct {
	Type   string         `json:"type"`
	Symbol string         `json:"symbol"`
	Seq    uint64         `json:"seq"`
	Ts     string         `json:"ts"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Conn is a single streaming connection for one identifier.
type Conn interface {
	ReadJSON(v any) error
	Close() error
}

// Dialer opens a new streaming Conn for identifier.
type Dialer interface {
	Dial(ctx context.Context, identifier registry.Identifier) (Conn, error)
}

// HistoricalClient is the fallback path used while disconnected beyond
// the configured grace period.
type HistoricalClient interface {
	LatestSnapshot(ctx context.Context, identifier registry.Identifier) (CachedSnapshot, error)
}

// Config holds the Consumer's tunables.
type Config struct {
	TTL                 time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	FallbackGracePeriod time.Duration
	PollInterval        time.Duration
}

// DefaultConfig returns the Consumer defaults used when configuration
// omits a field.
func DefaultConfig() Config {
	return Config{
		TTL:                 5 * time.Second,
		ReconnectBaseDelay:  1 * time.Second,
		ReconnectMaxDelay:   30 * time.Second,
		FallbackGracePeriod: 5 * time.Second,
		PollInterval:        3 * time.Second,
	}
}

type symbolConn struct {
	identifier registry.Identifier

	mu        sync.Mutex
	snap      CachedSnapshot
	have      bool
	lastSeq   uint64
	expiresAt time.Time

	connMu    sync.Mutex
	connected bool

	pollMu     sync.Mutex
	pollRunning bool
	pollStop   chan struct{}
}

func (sc *symbolConn) markConnected() {
	sc.connMu.Lock()
	sc.connected = true
	sc.connMu.Unlock()
}

func (sc *symbolConn) markDisconnected() {
	sc.connMu.Lock()
	sc.connected = false
	sc.connMu.Unlock()
}

func (sc *symbolConn) isConnected() bool {
	sc.connMu.Lock()
	defer sc.connMu.Unlock()
	return sc.connected
}

// Consumer drives one background goroutine per subscribed identifier:
// connect, apply streaming updates, reconnect with backoff on failure,
// and fall back to polling when disconnected past the grace period.
type Consumer struct {
	cfg        Config
	dialer     Dialer
	historical HistoricalClient
	logger     zerolog.Logger

	mu      sync.RWMutex
	entries map[registry.Identifier]*symbolConn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Consumer. historical may be nil only if the caller never
// intends to let a subscription run disconnected past the grace period.
func New(cfg Config, dialer Dialer, historical HistoricalClient) *Consumer {
	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Consumer{
		cfg:        cfg,
		dialer:     dialer,
		historical: historical,
		logger:     log.WithComponent("consumer"),
		entries:    make(map[registry.Identifier]*symbolConn),
		stopCh:     make(chan struct{}),
	}
}

// Subscribe starts following identifier, if not already subscribed.
func (c *Consumer) Subscribe(identifier registry.Identifier) {
	c.mu.Lock()
	if _, exists := c.entries[identifier]; exists {
		c.mu.Unlock()
		return
	}
	sc := &symbolConn{identifier: identifier}
	c.entries[identifier] = sc
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runSymbol(sc)
}

// Stop tears down every subscription and waits for their goroutines to
// exit.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns the cached snapshot for identifier and whether it is safe
// to treat as fresh. Never blocks.
func (c *Consumer) Get(identifier registry.Identifier) (CachedSnapshot, Availability) {
	c.mu.RLock()
	sc, ok := c.entries[identifier]
	c.mu.RUnlock()
	if !ok {
		return CachedSnapshot{}, Unknown
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.have {
		return CachedSnapshot{}, Unknown
	}
	if time.Now().After(sc.expiresAt) && !sc.isConnected() {
		return sc.snap, Stale
	}
	return sc.snap, Fresh
}

func (c *Consumer) runSymbol(sc *symbolConn) {
	defer c.wg.Done()
	delay := c.cfg.ReconnectBaseDelay

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dialer.Dial(context.Background(), sc.identifier)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", string(sc.identifier)).Msg("dial failed, backing off")
			sc.markDisconnected()
			c.maybeStartFallbackPoller(sc)
			if !c.wait(delay) {
				return
			}
			delay = nextBackoff(delay, c.cfg.ReconnectMaxDelay)
			continue
		}

		delay = c.cfg.ReconnectBaseDelay
		c.stopFallbackPoller(sc)
		sc.markConnected()

		gap := c.readLoop(sc, conn)
		sc.markDisconnected()

		if gap {
			// a sequence gap invalidates the cache immediately;
			// reconnect without waiting out the backoff so the client
			// resyncs as fast as the server allows.
			continue
		}

		c.maybeStartFallbackPoller(sc)
		if !c.wait(delay) {
			return
		}
		delay = nextBackoff(delay, c.cfg.ReconnectMaxDelay)
	}
}

func (c *Consumer) wait(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// readLoop reads messages until the connection fails or a sequence gap is
// detected, returning true in the latter case.
func (c *Consumer) readLoop(sc *symbolConn, conn Conn) (gap bool) {
	defer conn.Close()
	for {
		var wire WireMessage
		if err := conn.ReadJSON(&wire); err != nil {
			return false
		}
		if c.apply(sc, wire) {
			return true
		}
	}
}

// apply merges wire into sc's cache. It returns true when a sequence gap
// was detected, in which case the cache was discarded and the connection
// should be torn down and resynced from a fresh snapshot.
func (c *Consumer) apply(sc *symbolConn, wire WireMessage) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	switch wire.Type {
	case "keepalive":
		return false

	case "snapshot":
		sc.snap = CachedSnapshot{
			Identifier: sc.identifier,
			Fields:     wire.Fields,
			Seq:        wire.Seq,
			UpdatedAt:  time.Now(),
		}
		sc.have = true
		sc.lastSeq = wire.Seq
		sc.expiresAt = time.Now().Add(c.cfg.TTL)
		return false

	case "delta":
		if !sc.have || wire.Seq > sc.lastSeq+1 {
			sc.have = false
			return true
		}
		if wire.Seq <= sc.lastSeq {
			// Stale re-delivery: already applied, and the cache is still
			// valid. Ignored rather than treated as a gap.
			return false
		}
		if sc.snap.Fields == nil {
			sc.snap.Fields = make(map[string]any, len(wire.Fields))
		}
		for k, v := range wire.Fields {
			sc.snap.Fields[k] = v
		}
		sc.snap.Seq = wire.Seq
		sc.snap.UpdatedAt = time.Now()
		sc.lastSeq = wire.Seq
		sc.expiresAt = time.Now().Add(c.cfg.TTL)
		return false

	default:
		return false
	}
}

func (c *Consumer) maybeStartFallbackPoller(sc *symbolConn) {
	if c.historical == nil {
		return
	}
	sc.pollMu.Lock()
	if sc.pollRunning {
		sc.pollMu.Unlock()
		return
	}
	sc.pollRunning = true
	stop := make(chan struct{})
	sc.pollStop = stop
	sc.pollMu.Unlock()

	c.wg.Add(1)
	go c.pollLoop(sc, stop)
}

func (c *Consumer) stopFallbackPoller(sc *symbolConn) {
	sc.pollMu.Lock()
	defer sc.pollMu.Unlock()
	if sc.pollRunning {
		close(sc.pollStop)
		sc.pollRunning = false
	}
}

func (c *Consumer) pollLoop(sc *symbolConn, stop chan struct{}) {
	defer c.wg.Done()

	select {
	case <-time.After(c.cfg.FallbackGracePeriod):
	case <-stop:
		return
	case <-c.stopCh:
		return
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap, err := c.historical.LatestSnapshot(context.Background(), sc.identifier)
			if err != nil {
				c.logger.Warn().Err(err).Str("symbol", string(sc.identifier)).Msg("fallback poll failed")
				continue
			}
			sc.mu.Lock()
			sc.snap = snap
			sc.have = true
			sc.lastSeq = snap.Seq
			sc.expiresAt = time.Now().Add(c.cfg.TTL)
			sc.mu.Unlock()
		case <-stop:
			return
		case <-c.stopCh:
			return
		}
	}
}
