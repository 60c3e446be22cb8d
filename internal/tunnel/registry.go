// Package tunnel provisions the public URL that fronts the local webhook
// endpoint.
//
// # Adding a New Provider
//
// Implement ports.Tunnel and expose a registration function that calls
// RegisterFactory. Wire it from RegisterBuiltins (or from tests) so there are
// no init() side effects:
//
//	func registerCloudflared() {
//	    if IsRegistered("cloudflared") {
//	        return
//	    }
//	    RegisterFactory(Factory{
//	        Type:           "cloudflared",
//	        Description:    "Cloudflare quick tunnel",
//	        Create:         newCloudflared,
//	        ValidateConfig: validateCloudflared,
//	    })
//	}
package tunnel

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/tjfontaine/tunnelhook/internal/config"
	"github.com/tjfontaine/tunnelhook/internal/core/ports"
)

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	// HTTPClient talks to provider control APIs. Nil uses a client with a
	// 30s timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = defaultHTTPClient()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Factory defines how to create a tunnel of a specific provider type.
type Factory struct {
	// Type is the provider name used in configuration (e.g. "ngrok").
	Type string

	// Description provides a human-readable description of the provider.
	Description string

	// Create instantiates a tunnel from configuration.
	Create func(cfg config.TunnelConfig, deps Deps) (ports.Tunnel, error)

	// ValidateConfig performs provider-specific option validation.
	// Optional: if nil, no additional validation is performed.
	ValidateConfig func(cfg config.TunnelConfig) error
}

var (
	factoryMu   sync.RWMutex
	factoryMap  = make(map[string]Factory)
	factoryList []Factory
)

// RegisterFactory registers a tunnel factory.
// Panics if the type is empty, Create is nil, or the type is already registered.
func RegisterFactory(f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if !addFactoryLocked(f) {
		panic(fmt.Sprintf("tunnel factory %q already registered", f.Type))
	}
}

// addFactoryLocked stores f unless its type is taken. factoryMu must be held.
func addFactoryLocked(f Factory) bool {
	if f.Type == "" {
		panic("tunnel factory type cannot be empty")
	}
	if f.Create == nil {
		panic(fmt.Sprintf("tunnel factory %q must have a Create function", f.Type))
	}
	if _, exists := factoryMap[f.Type]; exists {
		return false
	}

	factoryMap[f.Type] = f
	factoryList = append(factoryList, f)
	return true
}

// GetFactory returns the factory for a provider type, if registered.
func GetFactory(providerType string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	f, ok := factoryMap[providerType]
	return f, ok
}

// ListFactories returns all registered factories sorted by type.
func ListFactories() []Factory {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	result := make([]Factory, len(factoryList))
	copy(result, factoryList)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Type < result[j].Type
	})
	return result
}

// ListProviderTypes returns all registered provider names.
func ListProviderTypes() []string {
	factories := ListFactories()
	types := make([]string, len(factories))
	for i, f := range factories {
		types[i] = f.Type
	}
	return types
}

// IsRegistered returns true if a provider type is registered.
func IsRegistered(providerType string) bool {
	_, ok := GetFactory(providerType)
	return ok
}

// ValidateConfig validates cfg against the registered factory.
func ValidateConfig(cfg config.TunnelConfig) error {
	f, ok := GetFactory(cfg.Provider)
	if !ok {
		return unknownProvider(cfg.Provider)
	}
	if f.ValidateConfig != nil {
		return f.ValidateConfig(cfg)
	}
	return nil
}

// CreateFromFactory creates a tunnel using the registered factory.
func CreateFromFactory(cfg config.TunnelConfig, deps Deps) (ports.Tunnel, error) {
	f, ok := GetFactory(cfg.Provider)
	if !ok {
		return nil, unknownProvider(cfg.Provider)
	}

	if f.ValidateConfig != nil {
		if err := f.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration for tunnel provider %s: %w", cfg.Provider, err)
		}
	}

	return f.Create(cfg, deps.withDefaults())
}

// ClearFactories removes all registered factories (for testing only).
func ClearFactories() {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	factoryMap = make(map[string]Factory)
	factoryList = nil
}

func unknownProvider(name string) error {
	return fmt.Errorf("unknown tunnel provider: %s (registered providers: %v)", name, ListProviderTypes())
}
