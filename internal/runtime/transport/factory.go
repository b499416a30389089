// Package transport turns the broker selected in Config into a publisher,
// subscriber and capability set for the client.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/momflow/internal/runtime/config"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/transport"

	// Register every bundled adapter.
	_ "github.com/drblury/momflow/transport/transports"
)

// Factory abstracts how the client obtains its transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error)
}

// DefaultFactory builds from the default registry.
func DefaultFactory() Factory {
	return NewFactory(transport.DefaultRegistry)
}

// NewFactory builds from registry.
func NewFactory(registry *transport.Registry) Factory {
	return registryFactory{registry: registry}
}

type registryFactory struct {
	registry *transport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error) {
	if conf == nil {
		return transport.Transport{}, transport.Capabilities{}, errspkg.ErrConfigRequired
	}
	return f.registry.Open(ctx, conf, logger)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error) {
	return f(ctx, conf, logger)
}
