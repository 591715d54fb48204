package memport

import (
	"context"
	"sync"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
	"github.com/c-w-xiaohei/nexus/pkg/port"
)

// LoopEndpoint pairs Connect calls with whatever Listen most recently
// registered, handing each side one end of a fresh in-process socketpair.
// The Nexus analogue of the teacher's LoopServer: a named rendezvous point
// local callers dial without touching the network.
type LoopEndpoint struct {
	mu       sync.Mutex
	onAccept func(port.Port, conn.PlatformMetadata)
}

// NewLoopEndpoint builds an unconnected rendezvous point; call Listen on
// one side before Connect on the other.
func NewLoopEndpoint() *LoopEndpoint {
	return &LoopEndpoint{}
}

// Capabilities implements conn.Endpoint: a socketpair carries arbitrary
// binary and has no transferable-handle concept.
func (e *LoopEndpoint) Capabilities() port.Capabilities {
	return port.Capabilities{SupportsBinary: true}
}

// Listen implements conn.ListenEndpoint.
func (e *LoopEndpoint) Listen(onAccept func(port.Port, conn.PlatformMetadata)) error {
	e.mu.Lock()
	e.onAccept = onAccept
	e.mu.Unlock()
	return nil
}

// Connect implements conn.DialEndpoint: mints a fresh socketpair, hands one
// half to the registered listener and returns the other.
func (e *LoopEndpoint) Connect(ctx context.Context, descriptor conn.Descriptor) (port.Port, conn.PlatformMetadata, error) {
	e.mu.Lock()
	onAccept := e.onAccept
	e.mu.Unlock()
	if onAccept == nil {
		return nil, nil, nexuserr.New(nexuserr.KindConfiguration, "memport: Connect called before Listen registered an acceptor")
	}

	caller, accepted, err := New()
	if err != nil {
		return nil, nil, nexuserr.Wrap(nexuserr.KindDisconnected, err, "allocating in-process socketpair")
	}
	go onAccept(accepted, conn.PlatformMetadata{})
	return caller, conn.PlatformMetadata{}, nil
}

var (
	_ conn.ListenEndpoint = (*LoopEndpoint)(nil)
	_ conn.DialEndpoint   = (*LoopEndpoint)(nil)
)
