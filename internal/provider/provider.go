package provider

import (
	"context"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

type Kind string

const (
	KindLocal          Kind = "local"
	KindPaaS           Kind = "paas"
	KindCloudContainer Kind = "cloud-container"
	KindUnsupported    Kind = "unsupported"
)

// Provider provisions and tears down the external resource backing a node.
// Implementations perform no retries and keep no per-node state; the resource
// name is always node.ResourceName. A nil error is success, a non-nil error is a
// *Error carrying the backend cause.
type Provider interface {
	Kind() Kind
	Start(ctx context.Context, n node.Node) error
	Terminate(ctx context.Context, n node.Node) error
	VerifyURL(ctx context.Context, url string) error
	DefaultNodeConfig() node.Config
}
