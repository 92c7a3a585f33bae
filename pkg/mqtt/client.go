package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "locationd",
		TopicPrefix: "locationd",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// Handler receives the topic and raw payload of a message
type Handler func(topic string, payload []byte)

// Transport is the part of a broker connection the bridge and publisher need
type Transport interface {
	Subscribe(topic string, handler Handler) error
	PublishJSON(topic string, payload interface{}, retain bool) error
	IsConnected() bool
	Topic(parts ...string) string
}

// Client is a paho connection shared by the native bridge and the event publisher
type Client struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config

	mu          sync.RWMutex
	connected   bool
	lastPublish time.Time
	handlers    map[string]Handler
}

func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		logger:   logger,
		config:   config,
		handlers: make(map[string]Handler),
	}
}

// Connect establishes connection to the broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt_disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetCleanSession(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.WaitTimeout(30*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("mqtt_connected", map[string]interface{}{
		"broker": c.config.Broker,
		"port":   c.config.Port,
	})
	return nil
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("mqtt_disconnected")
	}
}

// onConnect restores subscriptions after a reconnect
func (c *Client) onConnect(client MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	handlers := make(map[string]Handler, len(c.handlers))
	for topic, h := range c.handlers {
		handlers[topic] = h
	}
	c.mu.Unlock()

	c.logger.Info("mqtt_connection_established", "subscriptions", len(handlers))
	for topic, h := range handlers {
		if err := c.subscribe(topic, h); err != nil {
			c.logger.Warn("mqtt_resubscribe_failed", "topic", topic, "error", err)
		}
	}
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Error("mqtt_connection_lost", "error", err)
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// LastPublish returns the timestamp of the last publish
func (c *Client) LastPublish() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPublish
}

// Topic joins parts under the configured prefix
func (c *Client) Topic(parts ...string) string {
	all := append([]string{strings.TrimSuffix(c.config.TopicPrefix, "/")}, parts...)
	return strings.Join(all, "/")
}

// Subscribe registers handler for topic. The subscription is remembered and
// restored on reconnect.
func (c *Client) Subscribe(topic string, handler Handler) error {
	if !c.config.Enabled {
		return nil
	}
	c.mu.Lock()
	c.handlers[topic] = handler
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler Handler) error {
	token := c.client.Subscribe(topic, byte(c.config.QoS), func(_ MQTT.Client, msg MQTT.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	c.logger.Debug("mqtt_subscribed", "topic", topic)
	return nil
}

// PublishJSON marshals payload and publishes it
func (c *Client) PublishJSON(topic string, payload interface{}, retain bool) error {
	if !c.config.Enabled {
		return nil
	}
	if !c.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), retain || c.config.Retain, data)
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()

	c.logger.Trace("mqtt_published", map[string]interface{}{
		"topic": topic,
		"size":  len(data),
	})
	return nil
}
