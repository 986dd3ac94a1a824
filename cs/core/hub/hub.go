// Package hub pushes aggregated stats to websocket subscribers.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"clashstats/cs/common/logx"
	"clashstats/cs/common/ttime"
	"clashstats/cs/core/notify"
	"clashstats/cs/db/dao"
	"clashstats/cs/model"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var hubLog = logx.New(logx.WithPrefix("hub"))

const (
	TypeStats     = "stats"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeSubscribe = "subscribe"

	ErrNoBackend = "No backend available"

	DefaultWindow = time.Second
)

// Message is the envelope of every frame in both directions.
type Message struct {
	Type      string `json:"type"`
	BackendID int64  `json:"backendId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Backends resolves subscriber bindings.
type Backends interface {
	Active(ctx context.Context) (*model.Backend, error)
	Get(ctx context.Context, id int64) (*model.Backend, error)
}

// Stats builds the payload of one backend.
type Stats interface {
	StatsSummary(ctx context.Context, b *model.Backend) (*model.StatsSummary, error)
}

// Hub tracks subscribers and fans stats out to them.
type Hub struct {
	backends Backends
	stats    Stats
	clock    quartz.Clock
	gate     *notify.Gate
	upgrader websocket.Upgrader

	onFanOut func()

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func New(backends Backends, stats Stats, clock quartz.Clock, window time.Duration) *Hub {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	h := &Hub{
		backends: backends,
		stats:    stats,
		clock:    clock,
		clients:  make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 64 << 10,
			// the API is token protected and dashboards are served from anywhere
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.gate = notify.NewGate(clock, window, h.fanOut)
	return h
}

// Broadcast pushes fresh stats to every subscriber, at most once per window unless forced.
func (h *Hub) Broadcast(force bool) bool { return h.gate.Notify(force) }

// OnFanOut registers f to run after every delivered fan-out. Call it before serving.
func (h *Hub) OnFanOut(f func()) { h.onFanOut = f }

// Len is the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and serves the subscriber until it goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hubLog.Warnf("upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	c := newClient(h, conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	hubLog.Infof("subscriber %s connected (%d total)", r.RemoteAddr, n)

	go c.writePump()
	h.push(r.Context(), c, nil)
	c.readPump()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		hubLog.Infof("subscriber %s left (%d total)", c.conn.RemoteAddr(), n)
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) fanOut() {
	clients := h.snapshot()
	if len(clients) == 0 {
		return
	}
	ctx := context.Background()
	// subscribers bound to the same backend share one payload
	cache := map[int64][]byte{}
	for _, c := range clients {
		h.push(ctx, c, cache)
	}
	if h.onFanOut != nil {
		h.onFanOut()
	}
}

// push resolves the subscriber's backend now, not when it subscribed.
func (h *Hub) push(ctx context.Context, c *Client, cache map[int64][]byte) {
	b, err := h.resolve(ctx, c.BackendID())
	if err != nil && !errors.Is(err, dao.ErrBackendNotFound) {
		hubLog.Warnf("resolve backend: %v", err)
	}
	if b == nil {
		c.enqueue(h.encode(Message{Type: TypeStats, Error: ErrNoBackend}))
		return
	}
	if frame, ok := cache[b.Id]; ok {
		c.enqueue(frame)
		return
	}
	sum, err := h.stats.StatsSummary(ctx, b)
	if err != nil {
		hubLog.Errorf("stats for backend %d: %v", b.Id, err)
		return
	}
	frame := h.encode(Message{Type: TypeStats, BackendID: b.Id, Data: sum})
	if cache != nil {
		cache[b.Id] = frame
	}
	c.enqueue(frame)
}

// resolve returns nil when the bound backend is gone or nothing is active.
func (h *Hub) resolve(ctx context.Context, id int64) (*model.Backend, error) {
	var (
		b   *model.Backend
		err error
	)
	if id > 0 {
		b, err = h.backends.Get(ctx, id)
	} else {
		b, err = h.backends.Active(ctx)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (h *Hub) encode(m Message) []byte {
	m.Timestamp = ttime.Of(h.clock.Now()).Format(ttime.FORMAT_ISO_MILLI)
	b, err := json.Marshal(m)
	if err != nil {
		hubLog.Errorf("encode %s: %v", m.Type, err)
		return nil
	}
	return b
}

// Close drops every subscriber.
func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		c.close()
	}
}
