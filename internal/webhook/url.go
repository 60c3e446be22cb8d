package webhook

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
)

// BuildURL returns the public URL for a webhook:
// {base}/?webhookId={id}[&webhookData={data}].
func BuildURL(base string, id domain.WebhookID, data json.RawMessage) string {
	var b strings.Builder
	b.WriteString(domain.NormalizeBaseURL(base))
	b.WriteString("/?")
	b.WriteString(domain.ParamWebhookID)
	b.WriteByte('=')
	b.WriteString(escapeComponent(string(id)))
	if len(data) > 0 {
		b.WriteByte('&')
		b.WriteString(domain.ParamWebhookData)
		b.WriteByte('=')
		b.WriteString(escapeComponent(string(data)))
	}
	return b.String()
}

// escapeComponent escapes s for a query value, encoding spaces as %20 the way
// encodeURIComponent does.
func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// encodeData encodes creation data as compact JSON. Nil data, or an empty
// json.RawMessage, means no data.
func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
