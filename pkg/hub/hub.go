// Package hub fans Delta Messages out to streaming clients over
// persistent connections, enforcing per-subscriber backpressure and
// liveness.
package hub

import (
	"sync"
	"time"

	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/delta"
	"github.com/cuemby/bridge/pkg/log"
	"github.com/cuemby/bridge/pkg/metrics"
	"github.com/cuemby/bridge/pkg/registry"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Policy selects how a subscriber's bounded queue is relieved on overflow.
type Policy string

const (
	// PolicyDropOldestDelta discards the oldest delta message in the
	// queue and replaces it with a fresh snapshot so the client resyncs
	// on its next read. The default: it never loses a subscriber over a
	// transient slow patch.
	PolicyDropOldestDelta Policy = "drop-oldest-delta"
	// PolicyEvictSubscriber closes the connection outright on overflow;
	// the client is expected to reconnect.
	PolicyEvictSubscriber Policy = "evict-subscriber"
)

// Config holds the Hub's tunables. All are exposed through top-level
// configuration; see pkg/config.
type Config struct {
	QueueDepth        int
	Policy            Policy
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	WriteDeadline     time.Duration
	DrainDeadline     time.Duration
}

// DefaultConfig returns the Hub defaults used when configuration omits a
// field.
func DefaultConfig() Config {
	return Config{
		QueueDepth:        128,
		Policy:            PolicyDropOldestDelta,
		KeepaliveInterval: 25 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		WriteDeadline:     5 * time.Second,
		DrainDeadline:     3 * time.Second,
	}
}

// Conn is the subset of *websocket.Conn the Hub depends on, so tests can
// exercise the dispatcher and backpressure logic without a real socket.
type Conn interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// LatestProvider supplies the current stored snapshot for an identifier,
// used both on subscriber handshake and to build the synthetic resync
// snapshot issued under the drop-oldest-delta backpressure policy.
type LatestProvider interface {
	Latest(id registry.Identifier) (delta.Message, bool)
}

// WireMessage is the JSON shape sent to streaming clients.
type WireMessage struct {
	Type   string         `json:"type"`
	Symbol string         `json:"symbol"`
	Seq    uint64         `json:"seq"`
	Ts     string         `json:"ts"`
	Fields map[string]any `json:"fields,omitempty"`
}

const tsLayout = "2006-01-02T15:04:05.000000Z"

func toWireMessage(msg delta.Message) WireMessage {
	return WireMessage{
		Type:   string(msg.Source),
		Symbol: string(msg.Identifier),
		Seq:    msg.Seq,
		Ts:     msg.EventTime.UTC().Format(tsLayout),
		Fields: msg.Fields,
	}
}

type subState int32

const (
	stateActive subState = iota
	stateDraining
	stateClosed
)

// Subscriber is one connected (client, identifier) pair. Its queue is
// mutated, under mu, by enqueue (from the Hub dispatcher or Subscribe),
// by its own writer task, and when the subscriber is closed.
type Subscriber struct {
	id         string
	identifier registry.Identifier
	conn       Conn

	mu    sync.Mutex
	queue []WireMessage
	state subState

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	pongMu   sync.Mutex
	lastPong time.Time
}

func newSubscriber(id string, identifier registry.Identifier, conn Conn) *Subscriber {
	return &Subscriber{
		id:         id,
		identifier: identifier,
		conn:       conn,
		state:      stateActive,
		notify:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
		lastPong:   time.Now(),
	}
}

func (s *Subscriber) touchPong() {
	s.pongMu.Lock()
	s.lastPong = time.Now()
	s.pongMu.Unlock()
}

func (s *Subscriber) sincePong() time.Duration {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	return time.Since(s.lastPong)
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Hub dispatches Delta Messages to matching subscribers and owns their
// lifecycle end to end.
type Hub struct {
	cfg    Config
	source LatestProvider
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[registry.Identifier]map[*Subscriber]struct{}

	in     chan delta.Message
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Hub. source supplies the current snapshot for a newly
// attached subscriber and for resync messages issued under backpressure.
func New(cfg Config, source LatestProvider) *Hub {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.Policy == "" {
		cfg.Policy = DefaultConfig().Policy
	}
	return &Hub{
		cfg:    cfg,
		source: source,
		logger: log.WithComponent("hub"),
		subs:   make(map[registry.Identifier]map[*Subscriber]struct{}),
		in:     make(chan delta.Message, 1024),
		stopCh: make(chan struct{}),
	}
}

// Start begins the dispatcher loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.dispatch()
}

// Stop transitions every subscriber to closed and waits for all
// dispatcher, writer, keepalive, and reader tasks to exit.
func (h *Hub) Stop() {
	close(h.stopCh)

	h.mu.Lock()
	var all []*Subscriber
	for _, m := range h.subs {
		for s := range m {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		h.failSubscriber(s, bridgeerr.New(bridgeerr.KindShutdown, "hub.Stop", string(s.identifier), "server shutting down"))
	}
	h.wg.Wait()
}

// Publish enqueues msg for routing to matching subscribers. It must never
// block the Delta Engine; the dispatcher channel is generously buffered
// and Publish itself only blocks on that buffer filling, which signals a
// systemic backlog rather than one slow subscriber.
func (h *Hub) Publish(msg delta.Message) {
	select {
	case h.in <- msg:
	case <-h.stopCh:
	}
}

func (h *Hub) dispatch() {
	defer h.wg.Done()
	h.logger.Info().Msg("subscription hub started")
	for {
		select {
		case msg := <-h.in:
			h.route(msg)
		case <-h.stopCh:
			h.logger.Info().Msg("subscription hub stopped")
			return
		}
	}
}

func (h *Hub) route(msg delta.Message) {
	h.mu.RLock()
	m := h.subs[msg.Identifier]
	targets := make([]*Subscriber, 0, len(m))
	for s := range m {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	wire := toWireMessage(msg)
	for _, s := range targets {
		h.enqueue(s, wire)
	}
}

// Subscribe attaches a new (client, identifier) connection: it registers
// the subscriber, starts its writer, keepalive, and reader tasks, and
// enqueues the current stored snapshot (if any) as the handshake message.
func (h *Hub) Subscribe(clientID string, identifier registry.Identifier, conn Conn) *Subscriber {
	sub := newSubscriber(clientID, identifier, conn)
	conn.SetPongHandler(func(string) error {
		sub.touchPong()
		return nil
	})

	h.mu.Lock()
	if h.subs[identifier] == nil {
		h.subs[identifier] = make(map[*Subscriber]struct{})
	}
	h.subs[identifier][sub] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(3)
	go h.writeLoop(sub)
	go h.keepaliveLoop(sub)
	go h.readLoop(sub)

	if latest, ok := h.source.Latest(identifier); ok {
		h.enqueue(sub, toWireMessage(latest))
	}
	return sub
}

// Unsubscribe removes sub from the subscription table and releases its
// queue. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if m, ok := h.subs[sub.identifier]; ok {
		delete(m, sub)
		if len(m) == 0 {
			delete(h.subs, sub.identifier)
		}
	}
	h.mu.Unlock()

	sub.mu.Lock()
	sub.queue = nil
	sub.mu.Unlock()
	sub.markClosed()
}

// CloseGraceful is the client-initiated-close path: it marks sub draining,
// waits (bounded by DrainDeadline) for its writer to flush the pending
// queue, then tears it down.
func (h *Hub) CloseGraceful(sub *Subscriber) {
	sub.mu.Lock()
	if sub.state == stateClosed {
		sub.mu.Unlock()
		return
	}
	sub.state = stateDraining
	sub.mu.Unlock()

	deadline := time.NewTimer(h.cfg.DrainDeadline)
	defer deadline.Stop()
loop:
	for {
		sub.mu.Lock()
		empty := len(sub.queue) == 0
		sub.mu.Unlock()
		if empty {
			break
		}
		select {
		case <-sub.notify:
			sub.wake() // let writeLoop observe it too
		case <-deadline.C:
			break loop
		}
	}

	h.Unsubscribe(sub)
	_ = sub.conn.Close()
}

// enqueue is the non-blocking producer path: it never performs network
// I/O itself, only queue bookkeeping and backpressure-policy decisions.
func (h *Hub) enqueue(sub *Subscriber, msg WireMessage) {
	sub.mu.Lock()
	if sub.state != stateActive {
		sub.mu.Unlock()
		return
	}

	if len(sub.queue) >= h.cfg.QueueDepth {
		switch h.cfg.Policy {
		case PolicyEvictSubscriber:
			sub.mu.Unlock()
			h.failSubscriber(sub, bridgeerr.New(bridgeerr.KindSubscriberSlow, "hub.enqueue", string(sub.identifier), "queue overflow, evicted per policy"))
			return
		default: // PolicyDropOldestDelta
			idx := indexOfOldestDelta(sub.queue)
			if idx < 0 {
				// nothing droppable without violating "never discard a
				// snapshot ahead of a delta": drop the incoming delta
				// instead of touching the queue.
				sub.mu.Unlock()
				h.logger.Warn().Str("client_id", sub.id).Msg("subscriber queue full of snapshots, dropping incoming message")
				metrics.HubMessagesDroppedTotal.Inc()
				return
			}
			if latest, ok := h.source.Latest(sub.identifier); ok {
				sub.queue[idx] = toWireMessage(latest)
			} else {
				sub.queue = append(sub.queue[:idx], sub.queue[idx+1:]...)
			}
			metrics.HubMessagesDroppedTotal.Inc()
		}
	}

	sub.queue = append(sub.queue, msg)
	sub.mu.Unlock()
	sub.wake()
}

func indexOfOldestDelta(queue []WireMessage) int {
	for i, m := range queue {
		if m.Type == string(delta.SourceDelta) {
			return i
		}
	}
	return -1
}

// writeLoop is the one task per subscriber allowed to block on network
// I/O; the producer side (enqueue) never does.
func (h *Hub) writeLoop(sub *Subscriber) {
	defer h.wg.Done()
	for {
		select {
		case <-sub.notify:
			h.drainQueue(sub)
		case <-sub.closed:
			return
		}
	}
}

func (h *Hub) drainQueue(sub *Subscriber) {
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			return
		}
		msg := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		_ = sub.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteDeadline))
		if err := sub.conn.WriteJSON(msg); err != nil {
			h.failSubscriber(sub, bridgeerr.Wrap(bridgeerr.KindSubscriberDead, "hub.drainQueue", string(sub.identifier), err))
			return
		}
	}
}

func (h *Hub) keepaliveLoop(sub *Subscriber) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if sub.sincePong() > h.cfg.KeepaliveInterval+h.cfg.KeepaliveTimeout {
				h.failSubscriber(sub, bridgeerr.New(bridgeerr.KindSubscriberDead, "hub.keepalive", string(sub.identifier), "keepalive timeout"))
				return
			}
			deadline := time.Now().Add(h.cfg.WriteDeadline)
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.failSubscriber(sub, bridgeerr.Wrap(bridgeerr.KindSubscriberDead, "hub.keepalive", string(sub.identifier), err))
				return
			}
		case <-sub.closed:
			return
		}
	}
}

// readLoop's only job is pumping control frames (pongs, close) through
// gorilla's internal dispatch; any payload the client sends is ignored.
func (h *Hub) readLoop(sub *Subscriber) {
	defer h.wg.Done()
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.CloseGraceful(sub)
			} else {
				h.failSubscriber(sub, bridgeerr.Wrap(bridgeerr.KindSubscriberDead, "hub.readLoop", string(sub.identifier), err))
			}
			return
		}
	}
}

func (h *Hub) failSubscriber(sub *Subscriber, err error) {
	sub.mu.Lock()
	if sub.state == stateClosed {
		sub.mu.Unlock()
		return
	}
	sub.state = stateClosed
	sub.mu.Unlock()

	kind, _ := bridgeerr.KindOf(err)
	h.logger.Warn().Err(err).Str("client_id", sub.id).Str("kind", string(kind)).Msg("subscriber connection failed")
	metrics.HubSubscribersEvictedTotal.Inc()
	h.Unsubscribe(sub)
	_ = sub.conn.Close()
}

// SubscriberCount returns the number of currently attached subscribers
// for identifier, for health reporting.
func (h *Hub) SubscriberCount(identifier registry.Identifier) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[identifier])
}

// TotalSubscribers returns the number of attached subscribers across all
// identifiers.
func (h *Hub) TotalSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, m := range h.subs {
		total += len(m)
	}
	return total
}
