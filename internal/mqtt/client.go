package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ClientConfig holds broker credentials and session timing
type ClientConfig struct {
	Broker               string
	ClientID             string
	Username             string
	Password             string
	ConnectTimeout       time.Duration
	KeepAlive            time.Duration
	MaxReconnectInterval time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = time.Minute
	}
}

type route struct {
	qos     byte
	handler mqtt.MessageHandler
}

// Client is a paho session that remembers its subscriptions and restores
// them after every reconnect. Publisher and Subscriber take it as their
// mqtt.Client.
type Client struct {
	mqtt.Client
	cfg ClientConfig

	mu     sync.Mutex
	routes map[string]route

	sessions atomic.Uint64
	drops    atomic.Uint64
}

// NewClient connects to the broker and waits up to ConnectTimeout for the
// first session
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.applyDefaults()

	c := &Client{cfg: cfg, routes: make(map[string]route)}
	c.Client = mqtt.NewClient(c.options())

	token := c.Client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return c, nil
}

func (c *Client) options() *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetKeepAlive(c.cfg.KeepAlive).
		SetPingTimeout(c.cfg.KeepAlive / 3).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetMaxReconnectInterval(c.cfg.MaxReconnectInterval).
		SetDefaultPublishHandler(c.onUnrouted).
		SetOnConnectHandler(c.onSession).
		SetConnectionLostHandler(c.onDrop)
}

// Subscribe records the route before subscribing, so a later session
// re-subscribes it
func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()
	return c.Client.Subscribe(topic, qos, handler)
}

// Unsubscribe forgets the routes and unsubscribes them
func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.routes, t)
	}
	c.mu.Unlock()
	return c.Client.Unsubscribe(topics...)
}

// Routes returns the remembered topic filters
func (c *Client) Routes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.routes))
	for t := range c.routes {
		out = append(out, t)
	}
	return out
}

// Sessions counts established connections, the first one included
func (c *Client) Sessions() uint64 { return c.sessions.Load() }

// Drops counts lost connections
func (c *Client) Drops() uint64 { return c.drops.Load() }

// Close disconnects, letting in-flight work finish for up to 250ms
func (c *Client) Close() {
	c.Client.Disconnect(250)
	slog.Info("MQTT Client: disconnected", "client_id", c.cfg.ClientID, "sessions", c.Sessions())
}

// onSession runs on its own goroutine for each new session. The first
// session has no routes yet.
func (c *Client) onSession(cl mqtt.Client) {
	n := c.sessions.Add(1)

	c.mu.Lock()
	restore := make(map[string]route, len(c.routes))
	for t, r := range c.routes {
		restore[t] = r
	}
	c.mu.Unlock()

	for topic, r := range restore {
		token := cl.Subscribe(topic, r.qos, r.handler)
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			slog.Warn("MQTT Client: resubscribe timed out", "topic", topic)
			continue
		}
		if err := token.Error(); err != nil {
			slog.Warn("MQTT Client: resubscribe failed", "topic", topic, "error", err)
		}
	}
	slog.Info("MQTT Client: session established",
		"broker", c.cfg.Broker,
		"client_id", c.cfg.ClientID,
		"session", n,
		"restored", len(restore))
}

func (c *Client) onDrop(_ mqtt.Client, err error) {
	c.drops.Add(1)
	slog.Warn("MQTT Client: connection lost, reconnecting", "client_id", c.cfg.ClientID, "error", err)
}

func (c *Client) onUnrouted(_ mqtt.Client, msg mqtt.Message) {
	slog.Debug("MQTT Client: unrouted message", "topic", msg.Topic())
}
