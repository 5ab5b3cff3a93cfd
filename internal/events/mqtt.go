package events

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/pkg/vision"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTSink publishes crossing events and status snapshots to an MQTT
// broker.
type MQTTSink struct {
	client      mqtt.Client
	deviceID    string
	topic       string
	statusTopic string
	qos         byte
	retain      bool
}

// NewMQTTSink connects to the broker and returns a ready sink. The paho
// client keeps reconnecting on its own after the initial connect succeeds.
func NewMQTTSink(cfg config.MQTTConfig, deviceID string) (*MQTTSink, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "people-counter-" + deviceID
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("MQTT", "Connected to %s as %s", cfg.Broker, clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("MQTT", "Connection lost, auto-reconnect pending: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %s", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &MQTTSink{
		client:      client,
		deviceID:    deviceID,
		topic:       fmt.Sprintf("%s/%s/events", cfg.TopicPrefix, deviceID),
		statusTopic: fmt.Sprintf("%s/%s/status", cfg.TopicPrefix, deviceID),
		qos:         cfg.QoS,
		retain:      cfg.Retain,
	}, nil
}

// Name identifies the sink in logs.
func (s *MQTTSink) Name() string { return "mqtt" }

// Publish sends one crossing event as JSON.
func (s *MQTTSink) Publish(ev vision.CrossingEvent) error {
	payload, err := Envelope(s.deviceID, ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := s.client.Publish(s.topic, s.qos, s.retain, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish timeout on %s", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish on %s: %w", s.topic, err)
	}
	return nil
}

// PublishStatus sends a status snapshot to the retained status topic,
// so late subscribers see the latest state immediately.
func (s *MQTTSink) PublishStatus(payload []byte) error {
	token := s.client.Publish(s.statusTopic, s.qos, true, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish timeout on %s", s.statusTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish on %s: %w", s.statusTopic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
	return nil
}
