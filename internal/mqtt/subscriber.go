package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"edgeguard/internal/models"
)

// Subscriber handles MQTT subscriptions and writes messages to channels
type Subscriber struct {
	client mqtt.Client
	topics Topics

	// Output channels (written by subscriber, read by services)
	DetectionChan  chan models.DetectionEvent
	AlarmChan      chan models.AlarmTransition
	HealthChan     chan models.ClientHealth
	SupervisorChan chan models.HealthSummary
	TaskChan       chan string
}

// NewSubscriber creates a new MQTT subscriber with channels of bufferSize
func NewSubscriber(client mqtt.Client, topics Topics, bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Subscriber{
		client:         client,
		topics:         topics,
		DetectionChan:  make(chan models.DetectionEvent, bufferSize),
		AlarmChan:      make(chan models.AlarmTransition, bufferSize),
		HealthChan:     make(chan models.ClientHealth, bufferSize),
		SupervisorChan: make(chan models.HealthSummary, bufferSize),
		TaskChan:       make(chan string, 4),
	}
}

// SubscribeAll subscribes to every device's detection, alarm and health
// topics and to the supervisor summary
func (s *Subscriber) SubscribeAll() error {
	subs := []struct {
		name    string
		topic   string
		handler mqtt.MessageHandler
	}{
		{"detection", WildcardTopic(s.topics.Detection), s.handleDetection},
		{"alarm", WildcardTopic(s.topics.Alarm), s.handleAlarm},
		{"health", WildcardTopic(s.topics.Health), s.handleHealth},
		{"supervisor", s.topics.Supervisor, s.handleSupervisor},
	}

	for _, sub := range subs {
		if sub.topic == "" {
			continue
		}
		if err := s.subscribeToTopic(sub.topic, sub.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s topic: %w", sub.name, err)
		}
		slog.Info("MQTT Subscriber: subscribed", "kind", sub.name, "topic", sub.topic)
	}
	return nil
}

// SubscribeTask subscribes to one device's task control topic
func (s *Subscriber) SubscribeTask(deviceID string) error {
	topic := FormatTopic(s.topics.Task, deviceID)
	if err := s.subscribeToTopic(topic, s.handleTask); err != nil {
		return fmt.Errorf("failed to subscribe to task topic: %w", err)
	}
	slog.Info("MQTT Subscriber: subscribed", "kind", "task", "topic", topic)
	return nil
}

// subscribeToTopic is a helper function to subscribe to a topic with a handler
func (s *Subscriber) subscribeToTopic(topic string, handler mqtt.MessageHandler) error {
	token := s.client.Subscribe(topic, 1, handler)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	return token.Error()
}

func (s *Subscriber) handleDetection(_ mqtt.Client, msg mqtt.Message) {
	var ev models.DetectionEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		slog.Warn("MQTT Subscriber: bad detection payload", "topic", msg.Topic(), "error", err)
		return
	}
	if ev.DeviceID == "" {
		ev.DeviceID = ExtractDeviceID(msg.Topic())
	}
	deliver(s.DetectionChan, ev, "detection", ev.DeviceID)
}

func (s *Subscriber) handleAlarm(_ mqtt.Client, msg mqtt.Message) {
	var tr models.AlarmTransition
	if err := json.Unmarshal(msg.Payload(), &tr); err != nil {
		slog.Warn("MQTT Subscriber: bad alarm payload", "topic", msg.Topic(), "error", err)
		return
	}
	if tr.DeviceID == "" {
		tr.DeviceID = ExtractDeviceID(msg.Topic())
	}
	deliver(s.AlarmChan, tr, "alarm", tr.DeviceID)
}

func (s *Subscriber) handleHealth(_ mqtt.Client, msg mqtt.Message) {
	var h models.ClientHealth
	if err := json.Unmarshal(msg.Payload(), &h); err != nil {
		slog.Warn("MQTT Subscriber: bad health payload", "topic", msg.Topic(), "error", err)
		return
	}
	if h.DeviceID == "" {
		h.DeviceID = ExtractDeviceID(msg.Topic())
	}
	deliver(s.HealthChan, h, "health", h.DeviceID)
}

func (s *Subscriber) handleSupervisor(_ mqtt.Client, msg mqtt.Message) {
	var sum models.HealthSummary
	if err := json.Unmarshal(msg.Payload(), &sum); err != nil {
		slog.Warn("MQTT Subscriber: bad supervisor payload", "topic", msg.Topic(), "error", err)
		return
	}
	deliver(s.SupervisorChan, sum, "supervisor", "")
}

// handleTask accepts {"task":"fire"} or a bare task name
func (s *Subscriber) handleTask(_ mqtt.Client, msg mqtt.Message) {
	var cmd TaskCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		cmd.Task = strings.TrimSpace(string(msg.Payload()))
	}
	if cmd.Task == "" {
		slog.Warn("MQTT Subscriber: empty task command", "topic", msg.Topic())
		return
	}
	deliver(s.TaskChan, cmd.Task, "task", ExtractDeviceID(msg.Topic()))
}

// deliver writes to a channel, dropping the message if it stays full
func deliver[T any](ch chan<- T, v T, kind, deviceID string) {
	select {
	case ch <- v:
	case <-time.After(1 * time.Second):
		slog.Warn("MQTT Subscriber: channel full, dropping message", "kind", kind, "device", deviceID)
	}
}
