package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned when the configured pub/sub system has no
// adapter.
var ErrUnknownTransport = errors.New("unknown transport")

// Adapter is one broker binding: how to open it and what it supports.
type Adapter struct {
	Build        Builder
	Capabilities Capabilities
}

// Registry holds the adapters a client can open by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// DefaultRegistry is where the bundled adapters add themselves from init.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Add binds name to a, replacing any earlier adapter. A missing capability
// name defaults to name.
func (r *Registry) Add(name string, a Adapter) {
	if name == "" || a.Build == nil {
		panic("momflow: transport adapter needs a name and a builder")
	}
	if a.Capabilities.Name == "" {
		a.Capabilities.Name = name
	}
	r.mu.Lock()
	r.adapters[name] = a
	r.mu.Unlock()
}

// Lookup returns the adapter bound to name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Capabilities reports what name supports. Unknown names get a zero set
// that only carries the name, so callers fall back to the conservative path.
func (r *Registry) Capabilities(name string) Capabilities {
	if a, ok := r.Lookup(name); ok {
		return a.Capabilities
	}
	return Capabilities{Name: name}
}

// Open builds the adapter cfg selects and returns it with its capabilities.
func (r *Registry) Open(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, Capabilities, error) {
	if cfg == nil {
		return Transport{}, Capabilities{}, errors.New("config is required")
	}
	name := cfg.GetPubSubSystem()
	a, ok := r.Lookup(name)
	if !ok {
		return Transport{}, Capabilities{}, fmt.Errorf("%w %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	t, err := a.Build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, Capabilities{}, err
	}
	return t, a.Capabilities, nil
}

// Names lists the bound transport names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.adapters))
}

// RegisterWithCapabilities binds an adapter in the default registry.
func RegisterWithCapabilities(name string, build Builder, caps Capabilities) {
	DefaultRegistry.Add(name, Adapter{Build: build, Capabilities: caps})
}

// GetCapabilities looks name up in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.Capabilities(name)
}
