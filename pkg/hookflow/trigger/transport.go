package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer the Kafka sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes requests to a Kafka topic, keyed by agent so the
// requests of one agent stay in one partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}), nil
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, req Request) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode trigger request: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.Agent),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(req.EventType)},
			{Key: "request_id", Value: []byte(req.ID)},
		},
		Time: req.RequestedAt,
	})
}

// Close closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Publisher is the part of mqtt.Client the MQTT sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig configures an MQTT sink.
type MQTTConfig struct {
	Broker   string
	ClientID string

	// Topic is the publish topic. "{agent}" is replaced with the agent name.
	// Default: "hookflow/triggers/{agent}"
	Topic string

	// QoS is the delivery level.
	// Default: 1
	QoS byte

	// PublishTimeout bounds waiting for the broker acknowledgement.
	// Default: 5s
	PublishTimeout time.Duration
}

// MQTTSink publishes requests to an MQTT broker.
type MQTTSink struct {
	cfg    MQTTConfig
	client Publisher
	close  func()
}

// NewMQTTSink connects to the broker and returns a sink.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt sink: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "hookflow-triggers"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt sink: connect %s: %w", cfg.Broker, token.Error())
	}
	s := NewMQTTSinkWithClient(cfg, client)
	s.close = func() { client.Disconnect(250) }
	return s, nil
}

// NewMQTTSinkWithClient wraps an existing, connected client.
func NewMQTTSinkWithClient(cfg MQTTConfig, client Publisher) *MQTTSink {
	if cfg.Topic == "" {
		cfg.Topic = "hookflow/triggers/{agent}"
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &MQTTSink{cfg: cfg, client: client}
}

// Deliver implements Sink.
func (s *MQTTSink) Deliver(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode trigger request: %w", err)
	}
	topic := strings.ReplaceAll(s.cfg.Topic, "{agent}", req.Agent)
	token := s.client.Publish(topic, s.cfg.QoS, false, payload)

	timeout := s.cfg.PublishTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(d))
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects a client the sink created.
func (s *MQTTSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
