// Package fanout implements the UI WebSocket broadcast manager: per-client
// subscription sets, a bounded FIFO queue with criticality-preserving
// backpressure, heartbeat pinging, and stale-client eviction.
package fanout

import (
	"sync"
	"time"
)

// Topic is one of the fixed UI subscription topics.
type Topic string

const (
	TopicMarket    Topic = "market"
	TopicOrder     Topic = "order"
	TopicPosition  Topic = "position"
	TopicRiskAlert Topic = "risk_alert"
)

var validTopics = map[Topic]bool{
	TopicMarket:    true,
	TopicOrder:     true,
	TopicPosition:  true,
	TopicRiskAlert: true,
}

// schemaTopic maps a raw event schema name to its UI topic.
var schemaTopic = map[string]Topic{
	"orderbook_delta": TopicMarket,
	"trade":            TopicMarket,
	"market":           TopicMarket,
	"order":            TopicOrder,
	"order_update":     TopicOrder,
	"orders":           TopicOrder,
	"position":         TopicPosition,
	"positions":        TopicPosition,
	"risk_alert":       TopicRiskAlert,
	"risk":             TopicRiskAlert,
}

// truthy reports whether raw[key] (if present) is a JSON-truthy value.
func truthy(raw map[string]interface{}, key string) bool {
	v, ok := raw[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

// SchemaError reports that a raw event carries no derivable topic.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string { return "fanout: " + e.Reason }

// UiEvent is the broadcast-ready projection of a raw event.
type UiEvent struct {
	Topic     Topic
	Timestamp string
	Critical  bool
	Payload   map[string]interface{}
}

// Frame is the wire shape sent to a UI client for one event.
type Frame struct {
	Type      string                 `json:"type"`
	Topic     Topic                  `json:"topic"`
	Timestamp string                 `json:"timestamp"`
	Critical  bool                   `json:"critical"`
	Payload   map[string]interface{} `json:"payload"`
}

// Sender abstracts the wire transport for a single client connection so the
// queue/backpressure logic can be exercised without a real socket. The
// gorilla/websocket-backed adapter in conn.go implements this against a
// live connection.
type Sender interface {
	SendFrame(Frame) error
	SendPing() error
	Close(code int, reason string) error
}

// client holds the per-connection fan-out state.
type client struct {
	id       string
	sender   Sender
	maxQueue int

	mu                 sync.Mutex
	subscriptions      map[Topic]bool
	queue              []UiEvent
	droppedNonCritical int
	connectedAt        time.Time
	lastSeenAt         time.Time
	lastPingAt         time.Time
}

// ClientSnapshot reports a client's bookkeeping fields for diagnostics and
// tests.
type ClientSnapshot struct {
	ID                 string
	QueueLen           int
	DroppedNonCritical int
	ConnectedAt        time.Time
	LastSeenAt         time.Time
	LastPingAt         time.Time
}

// Tuning holds the fan-out manager's backpressure and liveness knobs.
type Tuning struct {
	MaxQueueSize     int
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
}

// Manager tracks all connected UI clients and fans canonical events out to
// the subset subscribed to each event's topic.
type Manager struct {
	tuning Tuning
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*client
}

// New constructs a Manager with the given tuning. A zero now defaults to
// time.Now.
func New(tuning Tuning, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if tuning.MaxQueueSize < 1 {
		tuning.MaxQueueSize = 1
	}
	return &Manager{tuning: tuning, now: now, clients: make(map[string]*client)}
}

// DeriveTopic applies the topic-derivation precedence: explicit
// topic/category/stream field, else a schema-mapped fallback, else reject.
func DeriveTopic(raw map[string]interface{}) (Topic, error) {
	for _, key := range []string{"topic", "category", "stream"} {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				t := Topic(normalizeTopic(s))
				if !validTopics[t] {
					return "", &SchemaError{Reason: "unknown explicit topic " + s}
				}
				return t, nil
			}
		}
	}
	if v, ok := raw["schema"]; ok {
		if s, ok := v.(string); ok {
			if t, ok := schemaTopic[s]; ok {
				return t, nil
			}
			return "", &SchemaError{Reason: "no topic mapping for schema " + s}
		}
	}
	return "", &SchemaError{Reason: "event carries no topic, category, stream, or schema field"}
}

func normalizeTopic(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Connect registers a new client, defaulting its subscription set to every
// supported topic.
func (m *Manager) Connect(id string, sender Sender) {
	now := m.now()
	c := &client{
		id:            id,
		sender:        sender,
		maxQueue:      m.tuning.MaxQueueSize,
		subscriptions: map[Topic]bool{TopicMarket: true, TopicOrder: true, TopicPosition: true, TopicRiskAlert: true},
		connectedAt:   now,
		lastSeenAt:    now,
		lastPingAt:    now,
	}
	m.mu.Lock()
	m.clients[id] = c
	m.mu.Unlock()
}

// Disconnect removes a client unconditionally (e.g. on client_disconnect).
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()
}

func (m *Manager) getClient(id string) (*client, bool) {
	m.mu.RLock()
	c, ok := m.clients[id]
	m.mu.RUnlock()
	return c, ok
}

// Subscribe adds topics to a client's subscription set, lowercase-normalized,
// rejecting invalid topics. It refreshes last_seen_at on success.
func (m *Manager) Subscribe(id string, topics ...string) error {
	c, ok := m.getClient(id)
	if !ok {
		return &SchemaError{Reason: "unknown client " + id}
	}
	normalized := make([]Topic, 0, len(topics))
	for _, t := range topics {
		nt := Topic(normalizeTopic(t))
		if !validTopics[nt] {
			return &SchemaError{Reason: "invalid subscription topic " + t}
		}
		normalized = append(normalized, nt)
	}
	c.mu.Lock()
	for _, nt := range normalized {
		c.subscriptions[nt] = true
	}
	c.lastSeenAt = m.now()
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes topics from a client's subscription set.
func (m *Manager) Unsubscribe(id string, topics ...string) error {
	c, ok := m.getClient(id)
	if !ok {
		return &SchemaError{Reason: "unknown client " + id}
	}
	normalized := make([]Topic, 0, len(topics))
	for _, t := range topics {
		nt := Topic(normalizeTopic(t))
		if !validTopics[nt] {
			return &SchemaError{Reason: "invalid subscription topic " + t}
		}
		normalized = append(normalized, nt)
	}
	c.mu.Lock()
	for _, nt := range normalized {
		delete(c.subscriptions, nt)
	}
	c.lastSeenAt = m.now()
	c.mu.Unlock()
	return nil
}

// StreamEvent converts a raw event to a UiEvent via DeriveTopic and enqueues
// it for every subscribed client.
func (m *Manager) StreamEvent(raw map[string]interface{}, timestamp string, payload map[string]interface{}) error {
	topic, err := DeriveTopic(raw)
	if err != nil {
		return err
	}
	ev := UiEvent{
		Topic:     topic,
		Timestamp: timestamp,
		Critical:  topic == TopicRiskAlert && (truthy(raw, "critical") || truthy(payload, "critical")),
		Payload:   payload,
	}

	m.mu.RLock()
	targets := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		c.mu.Lock()
		subscribed := c.subscriptions[topic]
		c.mu.Unlock()
		if subscribed {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(ev)
	}
	return nil
}

// enqueue implements the backpressure/eviction algorithm: append while
// below capacity; for a critical event at capacity, evict the first queued
// non-critical event (or the head, if every queued event is critical); for
// a non-critical event at capacity, drop it and count it.
func (c *client) enqueue(ev UiEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) < c.maxQueue {
		c.queue = append(c.queue, ev)
		return
	}

	if !ev.Critical {
		c.droppedNonCritical++
		return
	}

	evicted := false
	for i, queued := range c.queue {
		if !queued.Critical {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			evicted = true
			break
		}
	}
	if !evicted {
		c.queue = c.queue[1:]
	} else {
		c.droppedNonCritical++
	}
	c.queue = append(c.queue, ev)
}

// Flush sends up to max queued frames (0 means the entire queue) to the
// client's sender and advances last_seen_at.
func (m *Manager) Flush(id string, max int) (int, error) {
	c, ok := m.getClient(id)
	if !ok {
		return 0, &SchemaError{Reason: "unknown client " + id}
	}

	c.mu.Lock()
	n := len(c.queue)
	if max > 0 && max < n {
		n = max
	}
	batch := make([]UiEvent, n)
	copy(batch, c.queue[:n])
	c.queue = c.queue[n:]
	c.mu.Unlock()

	sent := 0
	for _, ev := range batch {
		if err := c.sender.SendFrame(Frame{
			Type:      "event",
			Topic:     ev.Topic,
			Timestamp: ev.Timestamp,
			Critical:  ev.Critical,
			Payload:   ev.Payload,
		}); err != nil {
			return sent, err
		}
		sent++
	}

	c.mu.Lock()
	c.lastSeenAt = m.now()
	c.mu.Unlock()
	return sent, nil
}

// Heartbeat pings every client whose time since last_ping_at is at least the
// configured heartbeat interval, updating last_ping_at, and returns the IDs
// pinged.
func (m *Manager) Heartbeat(at time.Time) []string {
	if at.IsZero() {
		at = m.now()
	}
	m.mu.RLock()
	candidates := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		candidates = append(candidates, c)
	}
	m.mu.RUnlock()

	var pinged []string
	for _, c := range candidates {
		c.mu.Lock()
		due := at.Sub(c.lastPingAt) >= m.tuning.HeartbeatInterval
		if due {
			c.lastPingAt = at
		}
		id := c.id
		c.mu.Unlock()
		if due {
			if err := c.sender.SendPing(); err == nil {
				pinged = append(pinged, id)
			}
		}
	}
	return pinged
}

// DisconnectStaleClients closes and removes every client whose time since
// last_seen_at exceeds the configured stale timeout.
func (m *Manager) DisconnectStaleClients(at time.Time) []string {
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	var stale []*client
	for id, c := range m.clients {
		c.mu.Lock()
		expired := at.Sub(c.lastSeenAt) > m.tuning.StaleTimeout
		c.mu.Unlock()
		if expired {
			stale = append(stale, c)
			delete(m.clients, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		_ = c.sender.Close(1001, "stale_client")
		ids = append(ids, c.id)
	}
	return ids
}

// Snapshot reports the current bookkeeping for a client, for tests and
// diagnostics.
func (m *Manager) Snapshot(id string) (ClientSnapshot, bool) {
	c, ok := m.getClient(id)
	if !ok {
		return ClientSnapshot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientSnapshot{
		ID:                 c.id,
		QueueLen:           len(c.queue),
		DroppedNonCritical: c.droppedNonCritical,
		ConnectedAt:        c.connectedAt,
		LastSeenAt:         c.lastSeenAt,
		LastPingAt:         c.lastPingAt,
	}, true
}
