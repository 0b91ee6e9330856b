package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/logx"
)

// ErrNotConnected is returned when a message cannot be sent or queued
var ErrNotConnected = errors.New("not connected to MQTT broker")

// Config holds MQTT configuration
type Config struct {
	Broker         string        `json:"broker"`
	Port           int           `json:"port"`
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username"`
	Password       string        `json:"-"`
	TopicPrefix    string        `json:"topic_prefix"`
	QoS            int           `json:"qos"`
	Retain         bool          `json:"retain"`
	Enabled        bool          `json:"enabled"`
	PublishTimeout time.Duration `json:"publish_timeout"`
	MaxPerSecond   int           `json:"max_per_second"`
	QueueSize      int           `json:"queue_size"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:         "localhost",
		Port:           1883,
		ClientID:       "locator",
		TopicPrefix:    "locator",
		QoS:            1,
		PublishTimeout: 5 * time.Second,
		MaxPerSecond:   10,
		QueueSize:      100,
	}
}

// LocationTopic is where positions are published
func (c *Config) LocationTopic() string { return c.TopicPrefix + "/location" }

// StatusTopic carries online/offline, with offline as the last will
func (c *Config) StatusTopic() string { return c.TopicPrefix + "/status" }

// LocationMessage is the published payload
type LocationMessage struct {
	pkg.Position
	PublishedAt time.Time `json:"publishedAt"`
}

// broker is the part of the paho client used for publishing
type broker interface {
	Connect() MQTT.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
}

// Client publishes resolved positions to an MQTT broker. Messages produced
// while disconnected or over the rate limit are queued and flushed later.
type Client struct {
	config *Config
	logger *logx.Logger

	mu          sync.Mutex
	client      broker
	connected   bool
	lastPublish time.Time
	published   int64
	dropped     int64
	queue       []queuedMessage

	limiter *rateLimiter
	now     func() time.Time
}

type queuedMessage struct {
	topic   string
	payload []byte
	retain  bool
}

// NewClient creates a client; Connect must be called before publishing
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = def.PublishTimeout
	}
	if config.MaxPerSecond <= 0 {
		config.MaxPerSecond = def.MaxPerSecond
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	return &Client{
		config:  config,
		logger:  logger,
		limiter: &rateLimiter{maxMessages: config.MaxPerSecond, windowSize: time.Second},
		now:     time.Now,
	}
}

// Connect establishes connection to the MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetWill(c.config.StatusTopic(), "offline", byte(c.config.QoS), true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(MQTT.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) { c.onConnectionLost(err) })

	return c.connect(MQTT.NewClient(opts))
}

func (c *Client) connect(b broker) error {
	c.mu.Lock()
	c.client = b
	c.mu.Unlock()

	token := b.Connect()
	if !token.WaitTimeout(c.config.PublishTimeout) {
		// connect retry keeps going in the background; queued positions flush on connect
		c.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", c.config.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect announces offline and disconnects from the broker
func (c *Client) Disconnect() error {
	c.mu.Lock()
	b := c.client
	connected := c.connected
	c.connected = false
	c.mu.Unlock()

	if b == nil {
		return nil
	}
	if connected {
		token := b.Publish(c.config.StatusTopic(), byte(c.config.QoS), true, "offline")
		token.WaitTimeout(c.config.PublishTimeout)
	}
	b.Disconnect(250)
	c.logger.Info("MQTT client disconnected")
	return nil
}

func (c *Client) onConnect() {
	c.mu.Lock()
	c.connected = true
	b := c.client
	c.mu.Unlock()

	c.logger.Info("MQTT connection established")
	if b != nil {
		b.Publish(c.config.StatusTopic(), byte(c.config.QoS), true, "online")
	}
	if err := c.Flush(context.Background()); err != nil {
		c.logger.Warn("failed to flush queued positions", "error", err)
	}
}

func (c *Client) onConnectionLost(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Error("MQTT connection lost", "error", err)
}

// PublishLocation publishes a position. It queues the message when the
// broker is unreachable or the rate limit is exceeded.
func (c *Client) PublishLocation(ctx context.Context, pos *pkg.Position) error {
	if !c.config.Enabled || pos == nil {
		return nil
	}

	data, err := json.Marshal(LocationMessage{Position: *pos, PublishedAt: c.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	msg := queuedMessage{topic: c.config.LocationTopic(), payload: data, retain: c.config.Retain}

	if !c.IsConnected() || !c.limiter.allow(c.now()) {
		c.enqueue(msg)
		return nil
	}

	if err := c.Flush(ctx); err != nil {
		c.enqueue(msg)
		return err
	}
	if err := c.publishDirect(ctx, msg); err != nil {
		c.enqueue(msg)
		return err
	}
	return nil
}

// Flush publishes queued messages in order, stopping at the first failure
func (c *Client) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return nil
		}
		msg := c.queue[0]
		c.mu.Unlock()

		if err := c.publishDirect(ctx, msg); err != nil {
			return err
		}

		c.mu.Lock()
		if len(c.queue) > 0 {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
	}
}

func (c *Client) enqueue(msg queuedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.config.QueueSize {
		c.queue = c.queue[1:]
		c.dropped++
		c.logger.Warn("MQTT queue full, dropping oldest position", "queue_size", c.config.QueueSize)
	}
	c.queue = append(c.queue, msg)
}

func (c *Client) publishDirect(ctx context.Context, msg queuedMessage) error {
	c.mu.Lock()
	b := c.client
	connected := c.connected
	c.mu.Unlock()
	if b == nil || !connected {
		return ErrNotConnected
	}

	token := b.Publish(msg.topic, byte(c.config.QoS), msg.retain, msg.payload)
	timer := time.NewTimer(c.config.PublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish to %s timed out after %s", msg.topic, c.config.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", msg.topic, err)
	}

	c.mu.Lock()
	c.lastPublish = c.now()
	c.published++
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", msg.topic, "size", len(msg.payload))
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// Stats reports publishing counters
type Stats struct {
	Connected   bool      `json:"connected"`
	Published   int64     `json:"published"`
	Dropped     int64     `json:"dropped"`
	Queued      int       `json:"queued"`
	LastPublish time.Time `json:"lastPublish,omitempty"`
}

// Stats returns the publishing counters
func (c *Client) Stats() Stats {
	connected := c.IsConnected()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Connected:   connected,
		Published:   c.published,
		Dropped:     c.dropped,
		Queued:      len(c.queue),
		LastPublish: c.lastPublish,
	}
}

// rateLimiter allows maxMessages per fixed window
type rateLimiter struct {
	mu           sync.Mutex
	windowStart  time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
}

func (rl *rateLimiter) allow(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.windowStart) >= rl.windowSize {
		rl.messageCount = 0
		rl.windowStart = now
	}
	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}
