package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"edgeguard/internal/models"
)

// DefaultTopic receives every envelope republished by the aggregator
const DefaultTopic = "edgeguard-events"

// Producer republishes aggregator records to a Redpanda topic
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers, retrying a few times before giving up
func NewProducer(ctx context.Context, brokers, topic string) (*Producer, error) {
	if topic == "" {
		topic = DefaultTopic
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(strings.Split(brokers, ",")...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerBatchCompression(kgo.Lz4Compression(), kgo.NoCompression()),
		kgo.RetryTimeout(30 * time.Second),
		kgo.RetryBackoffFn(func(attempts int) time.Duration {
			return time.Duration(attempts) * time.Second
		}),
	}

	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		client, err := kgo.NewClient(opts...)
		if err != nil {
			lastErr = err
			slog.Warn("Redpanda: failed to create client", "attempt", attempt, "error", err)
			if !sleepCtx(ctx, 2*time.Duration(attempt)*time.Second) {
				return nil, ctx.Err()
			}
			continue
		}

		if err := checkConnection(ctx, client); err != nil {
			lastErr = err
			slog.Warn("Redpanda: connection test failed", "attempt", attempt, "error", err)
			client.Close()
			if !sleepCtx(ctx, 2*time.Duration(attempt)*time.Second) {
				return nil, ctx.Err()
			}
			continue
		}

		slog.Info("Redpanda: connected", "brokers", brokers, "topic", topic)
		return &Producer{client: client, topic: topic}, nil
	}

	return nil, fmt.Errorf("failed to connect to Redpanda after multiple attempts: %w", lastErr)
}

func checkConnection(ctx context.Context, client *kgo.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := kmsg.NewPtrMetadataRequest()
	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("metadata request: %w", err)
	}
	if len(resp.Brokers) == 0 {
		return fmt.Errorf("no brokers found in Redpanda cluster")
	}
	for _, b := range resp.Brokers {
		slog.Debug("Redpanda: broker", "node_id", b.NodeID, "host", b.Host, "port", b.Port)
	}
	return nil
}

// Publish writes one envelope and waits for the broker to acknowledge it
func (p *Producer) Publish(ctx context.Context, env models.StatusEnvelope) error {
	rec, err := NewRecord(p.topic, env)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", env.Type, err)
	}
	return nil
}

// Close flushes buffered records and closes the client
func (p *Producer) Close() {
	if p.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("Redpanda: flush on close failed", "error", err)
	}
	p.client.Close()
}

// NewRecord encodes an envelope as a record keyed by device so that one
// device's events stay ordered within a partition.
func NewRecord(topic string, env models.StatusEnvelope) (*kgo.Record, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}

	key := env.DeviceID
	if key == "" {
		key = env.Type
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &kgo.Record{
		Topic:     topic,
		Key:       []byte(key),
		Value:     value,
		Timestamp: ts,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(env.Type)},
		},
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
