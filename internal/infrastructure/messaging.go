package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/headset/config"
	"example.com/backstage/services/headset/internal/core"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"
)

// Messaging publishes fleet events to a Service Bus queue. Events that cannot
// be sent after the configured retries are journaled to the WAL.
type Messaging struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	wal        *WAL
	logger     *logrus.Logger
	maxRetries int
	retryDelay time.Duration
}

func NewMessaging(cfg config.ServiceBusConfig, wal *WAL, logger *logrus.Logger) (*Messaging, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &Messaging{
		client:     client,
		sender:     sender,
		wal:        wal,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Publish implements core.EventPublisher. Progress events are not sent to the
// bus; they are only useful live and go out over MQTT.
func (m *Messaging) Publish(ctx context.Context, event core.Event) error {
	if event.Type == core.EventTransferProgress {
		return nil
	}

	err := m.Send(ctx, event)
	if err == nil {
		return nil
	}
	if m.wal != nil {
		if werr := m.wal.Write(event, err); werr != nil {
			return fmt.Errorf("failed to journal undelivered event: %w", werr)
		}
		m.logger.WithError(err).WithField("event_id", event.ID).Warn("Event journaled for republish")
		return nil
	}
	return err
}

// Send delivers one event, retrying up to the configured count.
func (m *Messaging) Send(ctx context.Context, event core.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &azservicebus.Message{
		Body:      data,
		MessageID: &event.ID,
		Subject:   stringPtr(string(event.Type)),
		ApplicationProperties: map[string]interface{}{
			"serial":    event.Serial,
			"timestamp": event.Timestamp.Unix(),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay):
			}
		}
		if lastErr = m.sender.SendMessage(ctx, msg, nil); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to send event after %d attempts: %w", m.maxRetries+1, lastErr)
}

func (m *Messaging) Close() error {
	if m.sender != nil {
		if err := m.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if m.client != nil {
		return m.client.Close(context.Background())
	}

	return nil
}

func stringPtr(s string) *string { return &s }
