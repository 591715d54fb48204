package conn

import (
	"context"

	"github.com/c-w-xiaohei/nexus/pkg/port"
)

// Endpoint is the platform adapter contract the connection manager consumes
// to obtain raw Ports. An adapter need only implement the directions it
// actually supports: ListenEndpoint, DialEndpoint, or both.
type Endpoint interface {
	// Capabilities reports what Ports produced by this endpoint support, so
	// the manager can pick a compatible serializer.
	Capabilities() port.Capabilities
}

// ListenEndpoint accepts inbound connections. onAccept is called once per
// accepted Port; Listen itself returns once the endpoint is actively
// listening (accepts continue to arrive asynchronously via onAccept).
type ListenEndpoint interface {
	Endpoint
	Listen(onAccept func(p port.Port, meta PlatformMetadata)) error
}

// DialEndpoint initiates outbound connections against a Descriptor naming
// who to connect to.
type DialEndpoint interface {
	Endpoint
	Connect(ctx context.Context, descriptor Descriptor) (port.Port, PlatformMetadata, error)
}
