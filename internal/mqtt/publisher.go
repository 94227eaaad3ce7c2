package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"edgeguard/internal/models"
)

// Message is one queued publication
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Publisher queues messages from producers and publishes them from one loop,
// so a slow broker never blocks a capture cycle or a probe.
type Publisher struct {
	client  mqtt.Client
	topics  Topics
	timeout time.Duration

	// Outbox is drained by Serve
	Outbox chan Message
}

// NewPublisher creates a new MQTT publisher with an outbox of bufferSize
func NewPublisher(client mqtt.Client, topics Topics, bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Publisher{
		client:  client,
		topics:  topics,
		timeout: 5 * time.Second,
		Outbox:  make(chan Message, bufferSize),
	}
}

// Serve publishes queued messages until ctx is cancelled
func (p *Publisher) Serve(ctx context.Context) error {
	slog.Info("MQTT Publisher: starting")

	for {
		select {
		case <-ctx.Done():
			slog.Info("MQTT Publisher: context cancelled, shutting down")
			return nil

		case msg := <-p.Outbox:
			if err := p.publish(msg); err != nil {
				slog.Warn("MQTT Publisher: publish failed", "topic", msg.Topic, "error", err)
			}
		}
	}
}

func (p *Publisher) String() string {
	return "mqtt-publisher"
}

func (p *Publisher) publish(msg Message) error {
	token := p.client.Publish(msg.Topic, 1, msg.Retained, msg.Payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("failed to publish to %s: timed out", msg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	slog.Debug("MQTT Publisher: published", "topic", msg.Topic, "bytes", len(msg.Payload))
	return nil
}

func (p *Publisher) enqueue(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("MQTT Publisher: failed to marshal payload", "topic", topic, "error", err)
		return
	}

	select {
	case p.Outbox <- Message{Topic: topic, Payload: payload, Retained: retained}:
	default:
		slog.Warn("MQTT Publisher: outbox full, dropping message", "topic", topic)
	}
}

func (p *Publisher) PublishDetection(ev models.DetectionEvent) {
	p.enqueue(FormatTopic(p.topics.Detection, ev.DeviceID), ev, false)
}

func (p *Publisher) PublishAlarm(tr models.AlarmTransition) {
	p.enqueue(FormatTopic(p.topics.Alarm, tr.DeviceID), tr, true)
}

func (p *Publisher) PublishHealth(h models.ClientHealth) {
	p.enqueue(FormatTopic(p.topics.Health, h.DeviceID), h, true)
}

func (p *Publisher) PublishSupervisorHealth(s models.HealthSummary) {
	p.enqueue(p.topics.Supervisor, s, true)
}

func (p *Publisher) PublishStatus(s models.SystemStatus) {
	p.enqueue(p.topics.Status, s, true)
}

// PublishTask asks a capture client to switch task
func (p *Publisher) PublishTask(deviceID, task string) {
	p.enqueue(FormatTopic(p.topics.Task, deviceID), TaskCommand{Task: task}, true)
}

// TaskCommand is the payload of a task control message
type TaskCommand struct {
	Task string `json:"task"`
}
