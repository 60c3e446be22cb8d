// Package direct provides an event publisher that writes straight to the
// delivery store.
package direct

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
)

// Publisher implements ports.EventPublisher by recording each dispatched
// event as a delivery. This is the default for single-instance deployments.
type Publisher struct {
	store ports.DeliveryStore
	newID func() string
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.DeliveryStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("delivery store required")
	}
	return &Publisher{
		store: store,
		newID: func() string { return uuid.New().String() },
	}, nil
}

// Publish records ev under a fresh delivery ID.
func (p *Publisher) Publish(ctx context.Context, ev *domain.DispatchEvent) error {
	if ev == nil {
		return fmt.Errorf("nil dispatch event")
	}
	return p.store.RecordDelivery(ctx, domain.NewDeliveryRecord(p.newID(), ev))
}

// Close is a no-op; the store is owned by the caller.
func (p *Publisher) Close() error {
	return nil
}
