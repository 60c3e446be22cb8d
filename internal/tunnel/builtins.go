package tunnel

import (
	"net/http"
	"time"
)

// Built-in provider names.
const (
	ProviderStatic      = "static"
	ProviderNgrok       = "ngrok"
	ProviderLocaltunnel = "localtunnel"
	ProviderTunnelmole  = "tunnelmole"
)

// RegisterBuiltins registers every provider shipped with tunnelhook.
// Safe to call more than once and from several goroutines.
func RegisterBuiltins() {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	for _, f := range []Factory{
		{
			Type:           ProviderStatic,
			Description:    "Fixed public URL served by an existing reverse proxy",
			Create:         newStatic,
			ValidateConfig: validateStatic,
		},
		{
			Type:           ProviderNgrok,
			Description:    "ngrok agent local API",
			Create:         newNgrok,
			ValidateConfig: validateNgrok,
		},
		{
			Type:           ProviderLocaltunnel,
			Description:    "localtunnel.me compatible server",
			Create:         newLocaltunnel,
			ValidateConfig: validateLocaltunnel,
		},
		{
			Type:           ProviderTunnelmole,
			Description:    "tunnelmole websocket service",
			Create:         newTunnelmole,
			ValidateConfig: validateTunnelmole,
		},
	} {
		addFactoryLocked(f)
	}
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
