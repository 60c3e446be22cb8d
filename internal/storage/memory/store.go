// Package memory keeps a bounded in-process delivery log.
package memory

import (
	"context"
	"sync"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
)

// DefaultMaxPerWebhook bounds each webhook's history when no limit is given.
const DefaultMaxPerWebhook = 100

// Store is an in-memory implementation of ports.DeliveryStore. Each webhook
// keeps at most maxPerWebhook records; the oldest are evicted first.
type Store struct {
	mu            sync.RWMutex
	maxPerWebhook int
	deliveries    map[domain.WebhookID][]*domain.DeliveryRecord
}

var _ ports.DeliveryStore = (*Store)(nil)

// New creates an in-memory store. maxPerWebhook <= 0 uses DefaultMaxPerWebhook.
func New(maxPerWebhook int) *Store {
	if maxPerWebhook <= 0 {
		maxPerWebhook = DefaultMaxPerWebhook
	}
	return &Store{
		maxPerWebhook: maxPerWebhook,
		deliveries:    make(map[domain.WebhookID][]*domain.DeliveryRecord),
	}
}

func (s *Store) RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	cp := *rec

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.deliveries[rec.WebhookID], &cp)
	if over := len(list) - s.maxPerWebhook; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	s.deliveries[rec.WebhookID] = list
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, id domain.WebhookID, limit int) ([]*domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.deliveries[id]
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}

	result := make([]*domain.DeliveryRecord, 0, n)
	for i := len(list) - 1; i >= 0 && len(result) < n; i-- {
		cp := *list[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = make(map[domain.WebhookID][]*domain.DeliveryRecord)
	return nil
}
