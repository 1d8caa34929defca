// internal/mqtt/publisher.go
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"psu-service/internal/config"
	"psu-service/internal/model"
)

// PublishFunc sends one payload to a topic
type PublishFunc func(topic string, payload []byte) error

// Publisher forwards PSU events to an MQTT broker
type Publisher struct {
	client  paho.Client
	publish PublishFunc
	prefix  string
	logger  *zap.Logger
}

// Connect dials the broker described by cfg
func Connect(cfg *config.MQTTConfig, logger *zap.Logger) (*Publisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %s", cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}

	logger.Info("MQTT broker connected", zap.String("broker", cfg.Broker))

	qos, retained, timeout := cfg.QoS, cfg.Retained, cfg.ConnectTimeout
	p := NewPublisher(func(topic string, payload []byte) error {
		tok := client.Publish(topic, qos, retained, payload)
		if !tok.WaitTimeout(timeout) {
			return fmt.Errorf("mqtt publish to %s timed out", topic)
		}
		return tok.Error()
	}, cfg.TopicPrefix, logger)
	p.client = client
	return p, nil
}

// NewPublisher creates a publisher over an arbitrary publish function
func NewPublisher(publish PublishFunc, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{
		publish: publish,
		prefix:  strings.TrimSuffix(prefix, "/"),
		logger:  logger,
	}
}

// Topic returns the topic of an event type
func (p *Publisher) Topic(eventType model.EventType) string {
	if p.prefix == "" {
		return string(eventType)
	}
	return p.prefix + "/" + string(eventType)
}

// PublishEvent sends one event as JSON
func (p *Publisher) PublishEvent(event model.PSUEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.publish(p.Topic(event.EventType), payload)
}

// Run publishes events from the channel until ctx is cancelled
func (p *Publisher) Run(ctx context.Context, events <-chan model.PSUEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := p.PublishEvent(event); err != nil {
				p.logger.Warn("Failed to publish event",
					zap.String("event_type", string(event.EventType)),
					zap.Error(err),
				)
			}
		}
	}
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}
