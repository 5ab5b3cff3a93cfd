package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/yk-abe/people-counter/internal/events"
	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/pkg/vision"
)

// eventsChannelLabel is the data channel the dashboard opens for
// low-latency crossing events.
const eventsChannelLabel = "events"

// channelMessage is the wire frame on the events channel. Kind is
// "event" for crossings and "status" for periodic snapshots.
type channelMessage struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Client is one connected peer receiving crossing events.
type Client struct {
	id       string
	peerConn *webrtc.PeerConnection

	mu    sync.Mutex
	dc    *webrtc.DataChannel
	ready bool

	eventChan chan []byte
	closeChan chan struct{}

	eventsSent    uint64
	eventsDropped uint64
}

func (c *Client) channel() (*webrtc.DataChannel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc, c.ready
}

// Server answers data-channel-only offers and pushes crossing events to
// every connected peer.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	deviceID   string

	bus   *events.Bus
	busID int
}

// NewServer creates a WebRTC event server. Call Start to attach it to
// the event bus.
func NewServer(stunServers []string, maxClients int, deviceID string) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		deviceID:   deviceID,
	}
}

// Start subscribes to the bus and begins fanning events out to peers.
func (s *Server) Start(bus *events.Bus) {
	id, ch := bus.Subscribe()
	s.bus = bus
	s.busID = id
	go s.fanout(ch)
}

// HandleOffer answers a WebRTC offer. The peer is expected to have
// opened a data channel named "events"; no media tracks are negotiated.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	s.clientsMu.RLock()
	numClients := len(s.clients)
	s.clientsMu.RUnlock()
	if numClients >= s.maxClients {
		return nil, fmt.Errorf("maximum clients reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		eventChan: make(chan []byte, 16),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != eventsChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unexpected channel %q, ignoring", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			client.mu.Lock()
			client.dc = dc
			client.ready = true
			client.mu.Unlock()
			logger.Info("WebRTC", "Client %s events channel open", client.id)
		})
		dc.OnClose(func() {
			logger.Debug("WebRTC", "Client %s events channel closed", client.id)
			s.RemoveClient(client.id)
		})
	})

	peerConn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("WebRTC", "Client %s ICE state: %s", client.id, state.String())
		if state == webrtc.ICEConnectionStateDisconnected ||
			state == webrtc.ICEConnectionStateFailed ||
			state == webrtc.ICEConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (ICE: %s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	go s.sendEvents(client)

	logger.Info("WebRTC", "Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

// fanout serializes each crossing event once and queues it for every
// client. Runs until the bus subscription closes.
func (s *Server) fanout(ch <-chan vision.CrossingEvent) {
	for ev := range ch {
		payload, err := events.Envelope(s.deviceID, ev)
		if err != nil {
			logger.Warn("WebRTC", "Event marshal failed: %v", err)
			continue
		}
		s.broadcastMessage("event", payload)
	}
}

// PushStatus broadcasts a status snapshot to every connected peer.
func (s *Server) PushStatus(payload []byte) {
	s.broadcastMessage("status", payload)
}

func (s *Server) broadcastMessage(kind string, payload []byte) {
	msg, err := json.Marshal(channelMessage{Kind: kind, Data: payload})
	if err != nil {
		logger.Warn("WebRTC", "Message marshal failed: %v", err)
		return
	}
	s.broadcast(msg)
}

func (s *Server) broadcast(payload []byte) {
	// Full lock: the event fanout and the status pusher both land here,
	// and both bump the per-client counters.
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for _, client := range s.clients {
		select {
		case client.eventChan <- payload:
			client.eventsSent++
		default:
			client.eventsDropped++
		}
	}
}

// sendEvents drains one client's queue onto its data channel. Events
// arriving before the channel opens are dropped.
func (s *Server) sendEvents(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return

		case payload, ok := <-client.eventChan:
			if !ok {
				return
			}
			dc, ready := client.channel()
			if !ready {
				continue
			}
			if err := dc.SendText(string(payload)); err != nil {
				logger.Warn("WebRTC", "Send to client %s failed: %v", client.id, err)
				return
			}
		}
	}
}

// RemoveClient disconnects and forgets a client.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	client, exists := s.clients[clientID]
	if !exists {
		return
	}

	close(client.closeChan)
	client.peerConn.Close()
	delete(s.clients, clientID)

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.eventsSent, client.eventsDropped)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close detaches from the bus and disconnects all clients.
func (s *Server) Close() error {
	if s.bus != nil {
		s.bus.Unsubscribe(s.busID)
	}

	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
