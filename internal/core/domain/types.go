// Package domain holds the core types shared by the registry, the dispatcher
// and the tunnel runtime.
package domain

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookID identifies a registered webhook. Equality is exact string match.
type WebhookID string

// Method is an HTTP method accepted by the dispatcher.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPut    Method = http.MethodPut
	MethodPost   Method = http.MethodPost
	MethodDelete Method = http.MethodDelete
)

// Methods lists every method the dispatcher accepts.
var Methods = []Method{MethodGet, MethodPut, MethodPost, MethodDelete}

// ParseMethod maps an HTTP method to a Method. Matching is case-sensitive,
// like net/http.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodGet, MethodPut, MethodPost, MethodDelete:
		return m, nil
	default:
		return "", ErrInvalidMethod
	}
}

// PayloadFromQuery reports whether the request payload for m comes from the
// query string (GET, DELETE) rather than the body (POST, PUT).
func (m Method) PayloadFromQuery() bool {
	return m == MethodGet || m == MethodDelete
}

func (m Method) String() string {
	return string(m)
}

// Reserved query parameters carried by every webhook URL.
const (
	ParamWebhookID   = "webhookId"
	ParamWebhookData = "webhookData"
)

// DispatchEvent is the normalized event delivered to a subscriber.
type DispatchEvent struct {
	WebhookID  WebhookID `json:"webhook_id"`
	Method     Method    `json:"method"`
	RequestID  string    `json:"request_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`

	// CreationPayload is the webhookData echoed back by the caller, nil when
	// the request carried none.
	CreationPayload json.RawMessage `json:"creation_payload"`

	// RequestPayload is the query object for GET/DELETE or the body for POST/PUT.
	RequestPayload json.RawMessage `json:"request_payload"`

	// Query holds the query parameters left after removing the reserved ones.
	Query url.Values `json:"-"`
}

// DecodeCreationPayload unmarshals the creation payload into v.
// A missing payload leaves v untouched.
func (e *DispatchEvent) DecodeCreationPayload(v any) error {
	if len(e.CreationPayload) == 0 {
		return nil
	}
	return json.Unmarshal(e.CreationPayload, v)
}

// DecodeRequestPayload unmarshals the request payload into v.
func (e *DispatchEvent) DecodeRequestPayload(v any) error {
	if len(e.RequestPayload) == 0 {
		return nil
	}
	return json.Unmarshal(e.RequestPayload, v)
}

// QueryObject converts query parameters into a JSON-friendly object: a key
// with one value maps to a string, a repeated key to a list of strings.
func QueryObject(values url.Values) map[string]any {
	obj := make(map[string]any, len(values))
	for k, vs := range values {
		switch len(vs) {
		case 0:
			obj[k] = ""
		case 1:
			obj[k] = vs[0]
		default:
			list := make([]string, len(vs))
			copy(list, vs)
			obj[k] = list
		}
	}
	return obj
}

// Response is the JSON body of every dispatcher reply.
type Response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Response messages written by the dispatcher.
const (
	MessageHandled         = "Data has been received and handled."
	MessageInvalidMethod   = "Invalid request method"
	MessageWebhookNotFound = "Webhook not found"
	MessageInvalidData     = "Invalid webhookData"
	MessageInvalidBody     = "Invalid JSON body"
	MessageInvalidForm     = "Invalid form body"
	MessageBodyTooLarge    = "Request body too large"
	MessageNotFound        = "Not found"
	MessageInternal        = "Internal server error"
)

// NormalizeBaseURL trims whitespace and trailing slashes from a public base URL.
func NormalizeBaseURL(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}
