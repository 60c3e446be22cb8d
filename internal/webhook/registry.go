package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
)

// Readiness reports the public base URL once the endpoint is live.
type Readiness interface {
	PublicBaseURL() (string, error)
}

// Registration is a stored webhook.
type Registration struct {
	ID           domain.WebhookID
	Subscriber   *Subscriber
	CreationData json.RawMessage
	CreatedAt    time.Time
}

// Webhook is returned by Create.
type Webhook struct {
	Subscriber *Subscriber
	URL        string

	// Created is false when an existing registration was returned.
	Created bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry maps webhook ids to subscribers. It is safe for concurrent use.
type Registry struct {
	readiness Readiness
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[domain.WebhookID]*Registration
	closed  bool
}

// NewRegistry creates an empty registry gated by readiness.
func NewRegistry(readiness Readiness, opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		readiness: readiness,
		logger:    slog.Default(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[domain.WebhookID]*Registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers id, or returns the existing registration for id.
// It fails without touching the registry when the endpoint is not ready.
//
// An existing registration keeps its original creation data; data passed on
// later calls is ignored and the returned URL reflects the stored data.
func (r *Registry) Create(id domain.WebhookID, data any) (*Webhook, error) {
	if id == "" {
		return nil, domain.ErrInvalidWebhookID
	}

	base, err := r.readiness.PublicBaseURL()
	if err != nil {
		return nil, err
	}

	encoded, err := encodeData(data)
	if err != nil {
		return nil, fmt.Errorf("encode webhook data: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrServerStopped
	}

	if existing, ok := r.entries[id]; ok {
		if encoded != nil {
			r.logger.Debug("webhook already registered, keeping original data",
				slog.String("webhook_id", string(id)))
		}
		return &Webhook{
			Subscriber: existing.Subscriber,
			URL:        BuildURL(base, id, existing.CreationData),
		}, nil
	}

	reg := &Registration{
		ID:           id,
		Subscriber:   newSubscriber(r.ctx, id, r.logger),
		CreationData: encoded,
		CreatedAt:    r.now(),
	}
	r.entries[id] = reg

	r.logger.Info("webhook registered", slog.String("webhook_id", string(id)))

	return &Webhook{
		Subscriber: reg.Subscriber,
		URL:        BuildURL(base, id, encoded),
		Created:    true,
	}, nil
}

// Lookup returns the subscriber registered for id.
func (r *Registry) Lookup(id domain.WebhookID) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return reg.Subscriber, true
}

// Dispatch queues ev for the subscriber registered under ev.WebhookID.
func (r *Registry) Dispatch(ev *domain.DispatchEvent) error {
	sub, ok := r.Lookup(ev.WebhookID)
	if !ok {
		return domain.ErrWebhookNotFound
	}
	if !sub.emit(ev) {
		return domain.ErrServerStopped
	}
	return nil
}

// List returns a snapshot of all registrations sorted by id.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		result = append(result, *reg)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close stops accepting events and waits for queued events to be delivered.
// When ctx expires first, handler contexts are cancelled and the remaining
// events are dropped.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*Subscriber, 0, len(r.entries))
	for _, reg := range r.entries {
		subs = append(subs, reg.Subscriber)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	defer r.cancel()
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			dropped := 0
			for _, s := range subs {
				dropped += s.Pending()
			}
			r.cancel()
			return fmt.Errorf("drain webhook queues (%d queued events dropped): %w", dropped, ctx.Err())
		}
	}
	return nil
}
