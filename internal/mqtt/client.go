package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/services"
)

// ErrNotConnected is returned when publishing without a broker connection
var ErrNotConnected = errors.New("mqtt broker not connected")

const connectTimeout = 5 * time.Second

// Client wraps the MQTT client with the aeration controller's topics:
// sensor samples in, actuator commands out, actuator state confirmations in,
// alerts out
type Client struct {
	client mqtt.Client
	config *Config
	parser *services.SensorParser

	sampleHandler  func(sensorID string, samples []models.RawSample)
	confirmHandler func(models.ActuatorConfirmation)
	errorHandler   func(error)

	mu            sync.Mutex
	subscriptions map[string]mqtt.MessageHandler
	connected     atomic.Bool

	now    func() time.Time
	logger zerolog.Logger
}

// Config holds MQTT connection configuration
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	PingTimeout    time.Duration
	ConnectRetry   bool
	SensorTopic    string // may contain a single-level wildcard for the sensor id
	ActuatorPrefix string
	AlertTopic     string
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "aquasmart_edge",
		KeepAlive:      30 * time.Second,
		PingTimeout:    10 * time.Second,
		ConnectRetry:   true,
		SensorTopic:    "aquasmart/edge/sensors/+",
		ActuatorPrefix: "aquasmart/edge/actuators",
		AlertTopic:     "aquasmart/edge/alerts",
	}
}

// NewClient creates a new MQTT client for the edge controller
func NewClient(config *Config, logger zerolog.Logger) *Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetPingTimeout(config.PingTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(config.ConnectRetry)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	client := &Client{
		config:        config,
		parser:        services.NewSensorParser(),
		subscriptions: make(map[string]mqtt.MessageHandler),
		now:           time.Now,
		logger:        logger.With().Str("component", "mqtt").Logger(),
	}

	// Set connection handlers
	opts.SetDefaultPublishHandler(client.defaultMessageHandler)
	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)

	client.client = mqtt.NewClient(opts)

	return client
}

// Connect establishes connection to the MQTT broker. With connect retry
// enabled an unreachable broker is not an error: the client keeps retrying
// in the background and subscribes once connected.
func (c *Client) Connect() error {
	c.logger.Info().Str("broker", c.config.BrokerURL).Msg("connecting to MQTT broker")

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		if c.config.ConnectRetry {
			c.logger.Warn().Msg("MQTT broker not reachable yet, retrying in background")
			return nil
		}
		return fmt.Errorf("failed to connect to MQTT broker: timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Disconnect closes the MQTT connection
func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info().Msg("disconnected from MQTT broker")
	}
	c.connected.Store(false)
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client.IsConnected()
}

// SetSampleHandler sets the callback for parsed sensor samples
func (c *Client) SetSampleHandler(handler func(sensorID string, samples []models.RawSample)) {
	c.sampleHandler = handler
}

// SetConfirmationHandler sets the callback for actuator state confirmations
func (c *Client) SetConfirmationHandler(handler func(models.ActuatorConfirmation)) {
	c.confirmHandler = handler
}

// SetErrorHandler sets the callback function for errors
func (c *Client) SetErrorHandler(handler func(error)) {
	c.errorHandler = handler
}

// SubscribeToSensorData subscribes to the sensor sample topic
func (c *Client) SubscribeToSensorData() error {
	return c.subscribe(c.config.SensorTopic, c.sensorDataHandler)
}

// SubscribeToActuatorState subscribes to the state reports of every actuator
func (c *Client) SubscribeToActuatorState() error {
	return c.subscribe(c.config.ActuatorPrefix+"/+/state", c.actuatorStateHandler)
}

// subscribe records the subscription so it is renewed on every reconnect
func (c *Client) subscribe(topic string, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if !c.client.IsConnected() {
		return nil
	}
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	c.logger.Info().Str("topic", topic).Msg("subscribed")
	return nil
}

// sensorDataHandler processes incoming sensor sample messages
func (c *Client) sensorDataHandler(client mqtt.Client, msg mqtt.Message) {
	sensorID := sensorIDFromTopic(c.config.SensorTopic, msg.Topic())
	c.logger.Debug().Str("topic", msg.Topic()).Str("sensor_id", sensorID).Msg("sensor message received")

	samples, err := c.parser.Parse(msg.Payload(), sensorID)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("failed to parse sensor data")
		c.reportError(fmt.Errorf("sensor data parsing failed: %w", err))
		return
	}

	if c.sampleHandler != nil {
		c.sampleHandler(sensorID, samples)
	}
}

// actuatorStateHandler processes state reports published by actuators
func (c *Client) actuatorStateHandler(client mqtt.Client, msg mqtt.Message) {
	conf, err := parseConfirmation(c.config.ActuatorPrefix, msg.Topic(), msg.Payload(), c.now())
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("failed to parse actuator state")
		c.reportError(fmt.Errorf("actuator state parsing failed: %w", err))
		return
	}

	c.logger.Debug().Str("actuator_id", conf.ActuatorID).Str("state", string(conf.State)).Msg("actuator state confirmed")
	if c.confirmHandler != nil {
		c.confirmHandler(conf)
	}
}

// defaultMessageHandler handles messages on unsubscribed topics
func (c *Client) defaultMessageHandler(client mqtt.Client, msg mqtt.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Msg("message on unhandled topic")
}

// onConnect callback when connection is established
func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.logger.Info().Msg("MQTT client connected")

	c.mu.Lock()
	subs := make(map[string]mqtt.MessageHandler, len(c.subscriptions))
	for topic, h := range c.subscriptions {
		subs[topic] = h
	}
	c.mu.Unlock()

	// Clean sessions drop subscriptions, so renew them on every connect
	for topic, handler := range subs {
		token := client.Subscribe(topic, 1, handler)
		go func(topic string) {
			if token.Wait() && token.Error() != nil {
				c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("resubscribe failed")
				c.reportError(token.Error())
				return
			}
			c.logger.Info().Str("topic", topic).Msg("subscribed")
		}(topic)
	}
}

// onConnectionLost callback when connection is lost
func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.connected.Store(false)
	c.logger.Warn().Err(err).Msg("MQTT connection lost")
	c.reportError(fmt.Errorf("MQTT connection lost: %w", err))
}

func (c *Client) reportError(err error) {
	if c.errorHandler != nil {
		c.errorHandler(err)
	}
}

// Send publishes an actuator command. It implements the actuator driver:
// delivery to the broker is not taken as a change of the actuator state.
func (c *Client) Send(ctx context.Context, cmd models.ActuatorCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal actuator command: %w", err)
	}
	return c.publish(ctx, commandTopic(c.config.ActuatorPrefix, cmd.ActuatorID), 1, payload)
}

// Ping reports whether the broker connection is up
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return ctx.Err()
}

// PublishAlert publishes an alert event on the alert topic
func (c *Client) PublishAlert(ctx context.Context, ev models.AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return c.publish(ctx, c.config.AlertTopic, 1, payload)
}

func (c *Client) publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("publish to %s: %w", topic, ErrNotConnected)
	}

	token := c.client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	c.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("published")
	return nil
}

// commandTopic returns the topic an actuator receives commands on
func commandTopic(prefix, actuatorID string) string {
	return prefix + "/" + actuatorID + "/command"
}

// sensorIDFromTopic extracts the level matched by the single-level wildcard
// of the subscription pattern. Without a wildcard the last level is used.
func sensorIDFromTopic(pattern, topic string) string {
	levels := strings.Split(topic, "/")
	for i, p := range strings.Split(pattern, "/") {
		if p == "+" && i < len(levels) {
			return levels[i]
		}
	}
	return levels[len(levels)-1]
}

type statePayload struct {
	ActuatorID string          `json:"actuator_id"`
	State      string          `json:"state"`
	ObservedAt json.RawMessage `json:"observed_at"`
}

// parseConfirmation decodes a state report published on
// <prefix>/<actuator id>/state. The payload is JSON or a bare on/off word.
func parseConfirmation(prefix, topic string, payload []byte, now time.Time) (models.ActuatorConfirmation, error) {
	conf := models.ActuatorConfirmation{ObservedAt: now}

	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if ok {
		conf.ActuatorID, _, _ = strings.Cut(rest, "/")
	}

	raw := strings.TrimSpace(string(payload))
	state := raw
	if strings.HasPrefix(raw, "{") {
		var p statePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return conf, fmt.Errorf("invalid state payload: %w", err)
		}
		if p.ActuatorID != "" {
			conf.ActuatorID = p.ActuatorID
		}
		state = p.State
		if len(p.ObservedAt) > 0 && string(p.ObservedAt) != "null" {
			var at time.Time
			if err := json.Unmarshal(p.ObservedAt, &at); err != nil {
				return conf, fmt.Errorf("invalid observed_at: %w", err)
			}
			conf.ObservedAt = at
		}
	}

	switch strings.ToLower(strings.TrimSpace(state)) {
	case "on", "1", "true":
		conf.State = models.TargetOn
	case "off", "0", "false":
		conf.State = models.TargetOff
	default:
		return conf, fmt.Errorf("unknown actuator state %q", state)
	}
	if conf.ActuatorID == "" {
		return conf, errors.New("missing actuator id")
	}
	return conf, nil
}
