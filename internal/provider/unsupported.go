package provider

import (
	"context"
	"fmt"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

// Unsupported is selected when the configured provider is unset or unknown.
// Every operation fails fast with a configuration error.
type Unsupported struct {
	Requested string
}

func (u Unsupported) Kind() Kind {
	return KindUnsupported
}

func (u Unsupported) Start(_ context.Context, _ node.Node) error {
	return ConfigurationError("start", u.cause())
}

func (u Unsupported) Terminate(_ context.Context, _ node.Node) error {
	return ConfigurationError("terminate", u.cause())
}

func (u Unsupported) VerifyURL(_ context.Context, _ string) error {
	return ConfigurationError("verify", u.cause())
}

func (u Unsupported) DefaultNodeConfig() node.Config {
	return node.Config{}
}

func (u Unsupported) cause() error {
	if u.Requested == "" {
		return fmt.Errorf("%w: no provider configured", ErrUnsupportedProvider)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedProvider, u.Requested)
}
