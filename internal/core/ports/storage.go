package ports

import (
	"context"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
)

// DeliveryStore keeps the log of dispatched events.
// Implementations: memory (default), SQLite.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error

	// ListDeliveries returns the newest records for a webhook first.
	// A limit of zero or less returns every stored record.
	ListDeliveries(ctx context.Context, id domain.WebhookID, limit int) ([]*domain.DeliveryRecord, error)

	Close() error
}
