// Package tunnelhook provides the public API for embedding the webhook
// gateway in another program.
package tunnelhook

import (
	"github.com/tjfontaine/tunnelhook/internal/core/domain"
	"github.com/tjfontaine/tunnelhook/internal/runtime"
	"github.com/tjfontaine/tunnelhook/internal/webhook"
)

// Gateway binds the local endpoint, opens the tunnel and dispatches
// incoming calls to webhook subscribers.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := tunnelhook.New(
//	    tunnelhook.WithFileConfig("tunnelhook.yaml"),
//	)
//	if err := gw.Start(ctx); err != nil { ... }
//	wh, err := gw.CreateWebhook("build-42", map[string]any{"repo": "api"})
//	wh.Subscriber.On(tunnelhook.MethodPost, func(ctx context.Context, ev *tunnelhook.Event) error { ... })
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithConfig         = runtime.WithConfig
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Delivery log
	WithMemoryStorage   = runtime.WithMemoryStorage
	WithSQLite          = runtime.WithSQLite
	WithStorageProvider = runtime.WithStorageProvider
	WithEventPublisher  = runtime.WithEventPublisher

	// Advanced options
	WithLogger         = runtime.WithLogger
	WithTunnel         = runtime.WithTunnel
	WithWebhookHandler = runtime.WithWebhookHandler
)

type (
	Event          = domain.DispatchEvent
	Method         = domain.Method
	WebhookID      = domain.WebhookID
	DeliveryRecord = domain.DeliveryRecord
	Webhook        = webhook.Webhook
	Subscriber     = webhook.Subscriber
	Handler        = webhook.Handler
	Registration   = webhook.Registration
)

const (
	MethodGet    = domain.MethodGet
	MethodPut    = domain.MethodPut
	MethodPost   = domain.MethodPost
	MethodDelete = domain.MethodDelete
)

var (
	ErrServerNotStarted    = domain.ErrServerNotStarted
	ErrServerStopped       = domain.ErrServerStopped
	ErrAlreadyStarted      = domain.ErrAlreadyStarted
	ErrInvalidWebhookID    = domain.ErrInvalidWebhookID
	ErrDeliveryLogDisabled = domain.ErrDeliveryLogDisabled
)
