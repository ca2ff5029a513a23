// Package events publishes accepted positions and raised alerts to external
// collaborators. Notification delivery (email/SMS/push) subscribes on the
// other side of the bus and is not this service's concern.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"geotrack/internal/domain"
)

const (
	SubjectPosition = "gps.position"
	SubjectEvent    = "gps.event"
)

// Publisher fans one accepted position or alert out to a bus.
type Publisher interface {
	PublishPosition(ctx context.Context, p *domain.Position) error
	PublishEvent(ctx context.Context, e *domain.Event) error
}

// NATSPublisher emits JSON payloads on the gps.* subjects. Reconnection is
// delegated to the client options; a publish during an outage is buffered by
// the client or fails fast, never blocks ingestion.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (n *NATSPublisher) Close() {
	n.conn.Close()
}

func (n *NATSPublisher) PublishPosition(_ context.Context, p *domain.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return n.conn.Publish(SubjectPosition, payload)
}

func (n *NATSPublisher) PublishEvent(_ context.Context, e *domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.conn.Publish(SubjectEvent, payload)
}

// Multi fans out to several publishers; a failing sink does not stop the
// others, and the first error is reported.
type Multi []Publisher

func (m Multi) PublishPosition(ctx context.Context, p *domain.Position) error {
	var first error
	for _, pub := range m {
		if err := pub.PublishPosition(ctx, p); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) PublishEvent(ctx context.Context, e *domain.Event) error {
	var first error
	for _, pub := range m {
		if err := pub.PublishEvent(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
