// Package capproxy implements capability proxies as a tagged sum type with
// explicit get/set/apply/release methods, per the redesign guidance for
// reflective-property-chain proxies in a systems language: no Proxy traps,
// just a struct carrying (kind, base path, target connection) and methods
// that build and dispatch the corresponding wire call.
package capproxy

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
)

// Kind distinguishes the two proxy shapes the factory builds.
type Kind int

const (
	// KindService roots a proxy at an exposed service name; not settable.
	KindService Kind = iota
	// KindResource roots a proxy at a minted resourceId; settable and releasable.
	KindResource
)

// Dispatcher performs the actual RPC for a proxy: it is implemented by the
// call processor, closing the cycle between this package and L3 dispatch
// through a narrow interface instead of a back-pointer.
type Dispatcher interface {
	Get(ctx context.Context, connectionID string, resourceID *string, path []string) (interface{}, error)
	Set(ctx context.Context, connectionID string, resourceID *string, path []string, value interface{}) error
	Apply(ctx context.Context, connectionID string, resourceID *string, path []string, args []interface{}) (interface{}, error)
	Release(connectionID string, resourceID string) error
}

// Proxy is a capability proxy: either a service proxy (rooted at
// [serviceName]) or a resource proxy (rooted at [], addressed by
// resourceId). Extending the path is a cheap, local operation (Child);
// Get/Set/Apply are the three traps that actually talk to the peer.
type Proxy struct {
	kind         Kind
	path         []string
	connectionID string
	resourceID   string
	dispatcher   Dispatcher
	released     int32
}

func (p *Proxy) resourceIDPtr() *string {
	if p.kind != KindResource {
		return nil
	}
	id := p.resourceID
	return &id
}

// ConnectionID is the connection this proxy's calls are addressed to.
func (p *Proxy) ConnectionID() string { return p.connectionID }

// ResourceID is the backing resource id for a resource proxy, or "" for a
// service proxy.
func (p *Proxy) ResourceID() string { return p.resourceID }

// Path returns the dot-path this proxy is currently rooted at.
func (p *Proxy) Path() []string { return append([]string(nil), p.path...) }

// Child returns a new Proxy whose path is this proxy's path with segments
// appended, mirroring JS property access extending a Proxy's recorded path.
// It shares this proxy's dispatcher, connection, and resourceId; it does
// not independently register for finalization (only the proxy minted by
// the factory owns that).
func (p *Proxy) Child(segments ...string) *Proxy {
	return &Proxy{
		kind:         p.kind,
		path:         append(append([]string(nil), p.path...), segments...),
		connectionID: p.connectionID,
		resourceID:   p.resourceID,
		dispatcher:   p.dispatcher,
	}
}

// Get issues a GET at the current path. Service proxies reject this at the
// root and at single-segment paths (mirrors "not thenable" / GET requires
// depth >= 2 counting the service name); resource proxies allow it from an
// empty path onward.
func (p *Proxy) Get(ctx context.Context) (interface{}, error) {
	if p.kind == KindService && len(p.path) < 2 {
		return nil, nexuserr.New(nexuserr.KindUsage, "service proxy is not awaitable at the root")
	}
	return p.dispatcher.Get(ctx, p.connectionID, p.resourceIDPtr(), p.path)
}

// Set issues a SET at the current path. Only resource proxies support SET;
// an empty path is rejected.
func (p *Proxy) Set(ctx context.Context, value interface{}) error {
	if p.kind != KindResource {
		return nexuserr.New(nexuserr.KindUsage, "service proxies do not support SET")
	}
	if len(p.path) == 0 {
		return nexuserr.New(nexuserr.KindUsage, "SET on an empty path is not allowed")
	}
	return p.dispatcher.Set(ctx, p.connectionID, p.resourceIDPtr(), p.path, value)
}

// Apply issues an APPLY at the current path, invoking the remote callable.
func (p *Proxy) Apply(ctx context.Context, args ...interface{}) (interface{}, error) {
	return p.dispatcher.Apply(ctx, p.connectionID, p.resourceIDPtr(), p.path, args)
}

// Release invokes the release handle for a resource proxy, notifying the
// owning connection that this side no longer references the resource.
// Idempotent: only the first call actually dispatches a RELEASE.
func (p *Proxy) Release() error {
	if p.kind != KindResource {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&p.released, 0, 1) {
		return nil
	}
	runtime.SetFinalizer(p, nil)
	return p.dispatcher.Release(p.connectionID, p.resourceID)
}

// IsReleased reports whether Release has already run for this proxy.
func (p *Proxy) IsReleased() bool { return atomic.LoadInt32(&p.released) != 0 }

// Factory mints proxies bound to a single Dispatcher.
type Factory struct {
	dispatcher Dispatcher
}

// NewFactory builds a Factory that dispatches every proxy's calls through d.
func NewFactory(d Dispatcher) *Factory {
	return &Factory{dispatcher: d}
}

// NewServiceProxy builds a proxy rooted at [serviceName] against connectionID.
func (f *Factory) NewServiceProxy(connectionID, serviceName string) *Proxy {
	return &Proxy{
		kind:         KindService,
		path:         []string{serviceName},
		connectionID: connectionID,
		dispatcher:   f.dispatcher,
	}
}

// NewResourceProxy builds a proxy rooted at [] for resourceID, sourced from
// connectionID. A finalizer fires Release as a best-effort fallback if the
// caller never releases explicitly before the proxy becomes unreachable;
// callers that need deterministic cleanup should still call Release.
func (f *Factory) NewResourceProxy(connectionID, resourceID string) *Proxy {
	p := &Proxy{
		kind:         KindResource,
		path:         nil,
		connectionID: connectionID,
		resourceID:   resourceID,
		dispatcher:   f.dispatcher,
	}
	runtime.SetFinalizer(p, func(p *Proxy) { _ = p.Release() })
	return p
}
