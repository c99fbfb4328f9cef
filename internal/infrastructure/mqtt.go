// internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/headset/config"
	"example.com/backstage/services/headset/internal/core"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// CommandHandler processes an operator command addressed to one headset.
type CommandHandler func(ctx context.Context, serial, action string) error

// CommandMessage is the payload of a command topic.
type CommandMessage struct {
	Action string `json:"action"`
}

// MQTTBroker receives operator commands on <prefix>/<serial>/command and
// publishes fleet events on <prefix>/<serial>/events.
type MQTTBroker struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handler   CommandHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewMQTTBroker creates a new MQTT broker client
func NewMQTTBroker(cfg config.MQTTConfig, handler CommandHandler, logger *logrus.Logger) (*MQTTBroker, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("headset-service-%d", time.Now().UnixNano())
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "headsets"
	}

	return &MQTTBroker{
		config:  cfg,
		logger:  logger,
		handler: handler,
	}, nil
}

// CommandTopic is the wildcard subscription for operator commands.
func (b *MQTTBroker) CommandTopic() string {
	return b.config.TopicPrefix + "/+/command"
}

// EventTopic is where events of serial are published.
func (b *MQTTBroker) EventTopic(serial string) string {
	return fmt.Sprintf("%s/%s/events", b.config.TopicPrefix, serial)
}

// Start connects to MQTT broker and subscribes to the command topic
func (b *MQTTBroker) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.config.BrokerURL)
	opts.SetClientID(b.config.ClientID)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
	}
	if b.config.Password != "" {
		opts.SetPassword(b.config.Password)
	}

	opts.SetCleanSession(b.config.CleanSession)
	opts.SetKeepAlive(b.config.KeepAlive)
	opts.SetConnectTimeout(b.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.config.MaxReconnectDelay)

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetReconnectingHandler(b.onReconnecting)
	opts.SetDefaultPublishHandler(b.messageHandler)

	b.client = mqtt.NewClient(opts)

	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	b.logger.Info("MQTT broker client started")
	return nil
}

// Stop gracefully shuts down the MQTT client
func (b *MQTTBroker) Stop() {
	b.logger.Info("Stopping MQTT broker client...")

	if b.client != nil && b.client.IsConnected() {
		topic := b.CommandTopic()
		if token := b.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
			b.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to unsubscribe from topic")
		}
		b.client.Disconnect(250)
	}

	b.wg.Wait()
	b.logger.Info("MQTT broker client stopped")
}

// IsConnected returns the connection status
func (b *MQTTBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *MQTTBroker) onConnect(client mqtt.Client) {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("Connected to MQTT broker")

	topic := b.CommandTopic()
	if token := client.Subscribe(topic, b.config.QoS, nil); token.Wait() && token.Error() != nil {
		b.logger.WithError(token.Error()).WithField("topic", topic).
			Error("Failed to subscribe to topic")
	} else {
		b.logger.WithField("topic", topic).Info("Subscribed to topic")
	}
}

func (b *MQTTBroker) onConnectionLost(client mqtt.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (b *MQTTBroker) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	b.logger.Info("Attempting to reconnect to MQTT broker...")
}

func (b *MQTTBroker) messageHandler(client mqtt.Client, msg mqtt.Message) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processMessage(msg.Topic(), msg.Payload())
	}()
}

func (b *MQTTBroker) processMessage(topic string, payload []byte) {
	log := b.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	})

	serial, ok := b.commandSerial(topic)
	if !ok {
		log.Warn("Ignoring message on unexpected topic")
		return
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.WithError(err).Warn("Malformed command payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.handler(ctx, serial, cmd.Action); err != nil {
		log.WithError(err).WithField("action", cmd.Action).Error("Failed to dispatch command")
		return
	}
	log.WithField("action", cmd.Action).Info("Command dispatched")
}

// commandSerial extracts the serial from <prefix>/<serial>/command.
func (b *MQTTBroker) commandSerial(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.config.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "command" {
		return "", false
	}
	return parts[0], true
}

// Publish implements core.EventPublisher.
func (b *MQTTBroker) Publish(ctx context.Context, event core.Event) error {
	if !b.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := b.client.Publish(b.EventTopic(event.Serial), b.config.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}
	return nil
}
