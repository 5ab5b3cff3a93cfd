package events

import (
	"encoding/json"
	"sync"

	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/internal/metrics"
	"github.com/yk-abe/people-counter/pkg/vision"
)

const sinkQueueSize = 64

// Sink delivers crossing events to an external broker.
type Sink interface {
	Name() string
	Publish(ev vision.CrossingEvent) error
	Close() error
}

// StatusSink is implemented by sinks that also deliver periodic status
// snapshots alongside crossing events.
type StatusSink interface {
	PublishStatus(payload []byte) error
}

// subscriber is one in-process client plus its delivery counters. The
// counters are guarded by the bus mutex.
type subscriber struct {
	ch      chan vision.CrossingEvent
	sent    uint64
	dropped uint64
}

// SubscriberStats is a snapshot of one subscriber's delivery counts.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// wireEvent is the wire payload: the crossing event plus the device
// that produced it.
type wireEvent struct {
	DeviceID string `json:"device_id"`
	vision.CrossingEvent
}

// Envelope serializes a crossing event into the JSON payload shared by
// all delivery paths (brokers, SSE, WebRTC data channels).
func Envelope(deviceID string, ev vision.CrossingEvent) ([]byte, error) {
	return json.Marshal(wireEvent{DeviceID: deviceID, CrossingEvent: ev})
}

// Bus fans crossing events out to in-process subscribers and queues them
// for external sinks. Publish never blocks the caller: slow subscribers
// skip events and a full sink queue drops them.
type Bus struct {
	mu      sync.Mutex
	clients map[int]*subscriber
	nextID  int
	sinks   []Sink

	queue   chan vision.CrossingEvent
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup

	metrics *metrics.Metrics
}

// NewBus creates an event bus. Add sinks before calling Start.
func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{
		clients: make(map[int]*subscriber),
		queue:   make(chan vision.CrossingEvent, sinkQueueSize),
		stop:    make(chan struct{}),
		metrics: m,
	}
}

// AddSink registers an external delivery target.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
	logger.Info("EventBus", "Sink registered: %s", s.Name())
}

// Start launches the sink dispatch loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.dispatch()
}

// Stop halts dispatch, flushes queued events and closes all sinks.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.stop)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			logger.Warn("EventBus", "Closing sink %s: %v", s.Name(), err)
		}
	}
	for id, sub := range b.clients {
		close(sub.ch)
		delete(b.clients, id)
	}
}

// Subscribe adds an in-process client and returns its event channel.
func (b *Bus) Subscribe() (int, <-chan vision.CrossingEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan vision.CrossingEvent, 8)}
	b.clients[id] = sub

	logger.Debug("EventBus", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, sub.ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.clients[id]; ok {
		close(sub.ch)
		delete(b.clients, id)
		logger.Debug("EventBus", "Client #%d unsubscribed (sent: %d, dropped: %d, remaining clients: %d)",
			id, sub.sent, sub.dropped, len(b.clients))
	}
}

// SubscriberStats reports per-subscriber delivery counts keyed by
// subscriber id.
func (b *Bus) SubscriberStats() map[int]SubscriberStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make(map[int]SubscriberStats, len(b.clients))
	for id, sub := range b.clients {
		stats[id] = SubscriberStats{Sent: sub.sent, Dropped: sub.dropped}
	}
	return stats
}

// Publish fans an event out to subscribers and queues it for sinks.
func (b *Bus) Publish(ev vision.CrossingEvent) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	for _, sub := range b.clients {
		select {
		case sub.ch <- ev:
			sub.sent++
		default:
			// Client too slow, skip this event for this client
			sub.dropped++
		}
	}
	hasSinks := len(b.sinks) > 0
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsPublished.Add(1)
	}
	if !hasSinks {
		return
	}

	select {
	case b.queue <- ev:
	default:
		if b.metrics != nil {
			b.metrics.EventsDropped.Add(1)
		}
		logger.Warn("EventBus", "Sink queue full, dropping event (gate=%s track=%d)", ev.Gate, ev.TrackID)
	}
}

// PublishStatus forwards a status snapshot to every sink that carries
// status. Runs in the caller's goroutine; broker timeouts bound the
// stall, so callers should not publish from the processing loop.
func (b *Bus) PublishStatus(payload []byte) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	for _, s := range sinks {
		ss, ok := s.(StatusSink)
		if !ok {
			continue
		}
		if err := ss.PublishStatus(payload); err != nil {
			logger.Warn("EventBus", "Sink %s status publish failed: %v", s.Name(), err)
		}
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.stop:
			// Flush whatever is still queued before shutting down.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev vision.CrossingEvent) {
	b.mu.Lock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(ev); err != nil {
			if b.metrics != nil {
				b.metrics.EventsDropped.Add(1)
			}
			logger.Warn("EventBus", "Sink %s publish failed: %v", s.Name(), err)
		}
	}
}
