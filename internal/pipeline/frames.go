package pipeline

import (
	"sync"

	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/internal/metrics"
)

// frameHub fans annotated JPEG frames out to stream clients. Sends are
// non-blocking: a client that stops reading misses frames instead of
// stalling the processing tick.
type frameHub struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	metrics *metrics.Metrics
}

func newFrameHub(m *metrics.Metrics) *frameHub {
	return &frameHub{
		clients: make(map[int]chan []byte),
		metrics: m,
	}
}

// Subscribe adds a client and returns a channel of encoded frames.
func (h *frameHub) Subscribe() (int, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan []byte, 2)
	h.clients[id] = ch

	if h.metrics != nil {
		h.metrics.StreamClients.Add(1)
	}
	logger.Debug("FrameHub", "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (h *frameHub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		if h.metrics != nil {
			h.metrics.StreamClients.Add(-1)
		}
		logger.Debug("FrameHub", "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

func (h *frameHub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- frame:
		default:
			// Client too slow, skip this frame for this client
		}
	}
}

func (h *frameHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
		if h.metrics != nil {
			h.metrics.StreamClients.Add(-1)
		}
	}
}
