package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a fleet event.
type EventType string

const (
	EventHeadsetConnected    EventType = "headset.connected"
	EventHeadsetDisconnected EventType = "headset.disconnected"
	EventManifestLoaded      EventType = "manifest.loaded"
	EventManifestStale       EventType = "manifest.stale"
	EventInstallCompleted    EventType = "install.completed"
	EventInstallFailed       EventType = "install.failed"
	EventTransferProgress    EventType = "transfer.progress"
	EventTransferCompleted   EventType = "transfer.completed"
	EventTransferFailed      EventType = "transfer.failed"
	EventTaskFailed          EventType = "task.failed"
)

// Event is published whenever the fleet or a headset changes in a way
// operators care about.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Serial    string    `json:"serial"`
	Solution  string    `json:"solution,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(t EventType, serial string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Serial:    serial,
		Timestamp: time.Now().UTC(),
	}
}

// EventPublisher delivers fleet events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// MultiPublisher fans an event out to every publisher and joins their errors.
type MultiPublisher []EventPublisher

// Publish implements EventPublisher.
func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
