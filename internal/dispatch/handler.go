// Package dispatch routes inbound webhook requests to registered subscribers.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
	"github.com/tjfontaine/tunnelhook/internal/server"
	"github.com/tjfontaine/tunnelhook/internal/webhook"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

const tracerName = "github.com/tjfontaine/tunnelhook/internal/dispatch"

// Registry is the part of the webhook registry the handler needs.
type Registry interface {
	Lookup(id domain.WebhookID) (*webhook.Subscriber, bool)
	Dispatch(ev *domain.DispatchEvent) error
}

// HandlerOptions configures the dispatch handler.
type HandlerOptions struct {
	MaxBodyBytes int64
	Publisher    ports.EventPublisher // Optional: receives every dispatched event
	Logger       *slog.Logger
}

// Handler is the single HTTP handler bound to the public endpoint.
type Handler struct {
	registry     Registry
	publisher    ports.EventPublisher
	maxBodyBytes int64
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewHandler creates a dispatch handler over registry.
func NewHandler(registry Registry, opts HandlerOptions) *Handler {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		registry:     registry,
		publisher:    opts.Publisher,
		maxBodyBytes: maxBody,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
	}
}

// ServeHTTP validates the request, delivers a DispatchEvent and replies
// with a JSON status body. Failures are converted to responses and never
// propagate.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "webhook.dispatch",
		trace.WithAttributes(attribute.String("http.request.method", r.Method)))
	defer span.End()

	ev, apiErr := h.buildEvent(ctx, w, r)
	if apiErr == nil {
		apiErr = h.deliver(ctx, ev)
	}
	if apiErr != nil {
		span.SetStatus(codes.Error, apiErr.Message)
		if apiErr.Cause != nil {
			server.AddError(ctx, apiErr.Cause)
		}
		server.WriteJSON(w, apiErr.HTTPStatusCode(), apiErr.Response())
		return
	}

	span.SetAttributes(attribute.String("webhook.id", string(ev.WebhookID)))
	server.WriteJSON(w, http.StatusOK, domain.Response{OK: true, Message: domain.MessageHandled})
}

func (h *Handler) buildEvent(ctx context.Context, w http.ResponseWriter, r *http.Request) (*domain.DispatchEvent, *domain.APIError) {
	method, err := domain.ParseMethod(r.Method)
	if err != nil {
		return nil, domain.NewAPIError(domain.ErrorTypeInvalidMethod, domain.MessageInvalidMethod)
	}

	query := r.URL.Query()
	id := domain.WebhookID(query.Get(domain.ParamWebhookID))
	if id == "" {
		return nil, domain.NewAPIError(domain.ErrorTypeNotFound, domain.MessageWebhookNotFound)
	}
	server.AddLogField(ctx, "webhook_id", string(id))
	if _, ok := h.registry.Lookup(id); !ok {
		return nil, domain.NewAPIError(domain.ErrorTypeNotFound, domain.MessageWebhookNotFound)
	}

	creation, apiErr := creationPayload(query)
	if apiErr != nil {
		return nil, apiErr
	}
	query.Del(domain.ParamWebhookID)
	query.Del(domain.ParamWebhookData)

	var payload json.RawMessage
	if method.PayloadFromQuery() {
		payload, err = json.Marshal(domain.QueryObject(query))
		if err != nil {
			return nil, domain.ToAPIError(err)
		}
	} else {
		payload, apiErr = h.bodyPayload(w, r)
		if apiErr != nil {
			return nil, apiErr
		}
	}

	return &domain.DispatchEvent{
		WebhookID:       id,
		Method:          method,
		RequestID:       server.GetRequestID(ctx),
		ReceivedAt:      h.now(),
		CreationPayload: creation,
		RequestPayload:  payload,
		Query:           query,
	}, nil
}

func (h *Handler) deliver(ctx context.Context, ev *domain.DispatchEvent) *domain.APIError {
	if err := h.registry.Dispatch(ev); err != nil {
		switch {
		case errors.Is(err, domain.ErrWebhookNotFound):
			return domain.NewAPIError(domain.ErrorTypeNotFound, domain.MessageWebhookNotFound)
		default:
			return &domain.APIError{
				Type:       domain.ErrorTypeServer,
				Message:    "Server is shutting down",
				StatusCode: http.StatusServiceUnavailable,
				Cause:      err,
			}
		}
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, ev); err != nil {
			h.logger.Warn("failed to publish dispatch event",
				slog.String("webhook_id", string(ev.WebhookID)),
				slog.String("request_id", ev.RequestID),
				slog.String("error", err.Error()))
			server.AddLogField(ctx, "publish_error", err.Error())
		}
	}
	return nil
}

// creationPayload parses the webhookData parameter. url.Values has already
// percent-decoded it.
func creationPayload(query url.Values) (json.RawMessage, *domain.APIError) {
	raw := query.Get(domain.ParamWebhookData)
	if raw == "" {
		return nil, nil
	}
	compacted, err := compactJSON([]byte(raw))
	if err != nil {
		return nil, domain.NewAPIError(domain.ErrorTypeInvalidRequest, domain.MessageInvalidData).WithCause(err)
	}
	return compacted, nil
}

// bodyPayload reads the body and converts it to JSON: empty bodies become {},
// forms become objects, JSON is validated, and anything else becomes a
// JSON string.
func (h *Handler) bodyPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, *domain.APIError) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, domain.NewAPIError(domain.ErrorTypeTooLarge, domain.MessageBodyTooLarge)
		}
		return nil, domain.NewAPIError(domain.ErrorTypeInvalidRequest, domain.MessageInvalidBody).WithCause(err)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage(`{}`), nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, domain.NewAPIError(domain.ErrorTypeInvalidRequest, domain.MessageInvalidForm).WithCause(err)
		}
		b, err := json.Marshal(domain.QueryObject(form))
		if err != nil {
			return nil, domain.ToAPIError(err)
		}
		return b, nil

	case mediaType == "" || mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		compacted, err := compactJSON(body)
		if err != nil {
			return nil, domain.NewAPIError(domain.ErrorTypeInvalidRequest, domain.MessageInvalidBody).WithCause(err)
		}
		return compacted, nil

	default:
		b, err := json.Marshal(string(body))
		if err != nil {
			return nil, domain.ToAPIError(err)
		}
		return b, nil
	}
}

func compactJSON(b []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
