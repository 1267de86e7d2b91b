// Package receipt collects interception receipts and fans them out to
// live subscribers. Recording a receipt never blocks or delays the
// admit/deny decision that produced it.
package receipt

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tabfence/tabfence/internal/metrics"
	"github.com/tabfence/tabfence/pkg/models"
)

// Sink receives one receipt per interception decision.
type Sink interface {
	Record(contextID string, result models.InterceptionResult)
}

// Entry is one recorded receipt.
type Entry struct {
	ContextID string                    `json:"contextId"`
	Result    models.InterceptionResult `json:"result"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub is the default sink: a bounded in-memory ring for recent receipts
// plus a websocket broadcaster for live subscribers. Under backpressure
// Record drops the receipt and counts the drop; it never waits.
type Hub struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	ch      chan Entry

	mu     sync.Mutex
	ring   []Entry
	next   int
	filled bool
	subs   map[*websocket.Conn]struct{}
}

var _ Sink = (*Hub)(nil)

// NewHub creates a hub holding up to size recent receipts.
func NewHub(size int, log *zap.Logger, m *metrics.Metrics) *Hub {
	if size <= 0 {
		size = 1024
	}
	return &Hub{
		log:     log,
		metrics: m,
		ch:      make(chan Entry, size),
		ring:    make([]Entry, size),
		subs:    make(map[*websocket.Conn]struct{}),
	}
}

// Record enqueues a receipt without blocking.
func (h *Hub) Record(contextID string, result models.InterceptionResult) {
	select {
	case h.ch <- Entry{ContextID: contextID, Result: result}:
	default:
		if h.metrics != nil {
			h.metrics.ReceiptsDropped.Inc()
		}
	}
}

// Run consumes the queue, filling the ring and broadcasting to
// subscribers, until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.ch:
			h.store(e)
			h.broadcast(e)
		}
	}
}

func (h *Hub) store(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = e
	h.next++
	if h.next == len(h.ring) {
		h.next = 0
		h.filled = true
	}
}

// Recent returns up to n receipts, newest last.
func (h *Hub) Recent(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.filled {
		size = len(h.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Entry, 0, n)
	start := h.next - n
	if start < 0 {
		start += len(h.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, h.ring[(start+i)%len(h.ring)])
	}
	return out
}

func (h *Hub) broadcast(e Entry) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subs))
	for c := range h.subs {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(e); err != nil {
			h.log.Debug("receipt subscriber write failed, dropping", zap.Error(err))
			h.unsubscribe(c)
		}
	}
}

func (h *Hub) unsubscribe(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.subs, c)
	h.mu.Unlock()
	c.Close()
}

// ServeWS upgrades the connection and streams receipts until the client
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade receipt stream connection", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.subs[conn] = struct{}{}
	h.mu.Unlock()

	// Reader loop exists only to observe the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unsubscribe(conn)
				return
			}
		}
	}()
}
