package nexus

import (
	"context"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/pkg/callproc"
	"github.com/c-w-xiaohei/nexus/pkg/capproxy"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
	"github.com/c-w-xiaohei/nexus/pkg/engine"
	"github.com/c-w-xiaohei/nexus/pkg/payload"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// Nexus is a running instance: one engine, its listeners, and its dial
// loops. Build one with Configure(identity).Build().
type Nexus struct {
	engine    *engine.Engine
	connectTo []conn.ConnectEntry
}

func newNexus(b *Builder) *Nexus {
	cfg := engine.Config{
		Conn: conn.Config{
			LocalIdentity:    conn.Identity(b.identity),
			ListenOn:         b.listenOn,
			ConnectTo:        b.connectTo,
			MaxRetryInterval: b.maxRetryInterval,
		},
		CanCall: b.canCall,
	}
	if b.canConnect != nil {
		cfg.Conn.Policy = &conn.Policy{CanConnect: b.canConnect}
	}

	n := &Nexus{
		engine:    engine.New(b.logger, cfg),
		connectTo: b.connectTo,
	}
	for name, matcher := range b.groups {
		n.engine.Conns.RegisterGroup(name, matcher)
	}
	return n
}

// soleConnectTarget implements step (3)/(4) of the target-resolution
// precedence chain: if exactly one ConnectTo descriptor was configured,
// address it; otherwise fail with an ambiguity or no-target error.
func (n *Nexus) soleConnectTarget() (conn.Target, error) {
	switch len(n.connectTo) {
	case 0:
		return conn.Target{}, nexuserr.New(nexuserr.KindTargeting, "no target given and no connectTo descriptor is configured")
	case 1:
		return conn.Target{Descriptor: n.connectTo[0].Descriptor}, nil
	default:
		return conn.Target{}, nexuserr.New(nexuserr.KindTargeting, "no target given and more than one connectTo descriptor is configured; ambiguous")
	}
}

// ExposeService registers object under name, reachable by peers as the
// root of a GET/SET/APPLY path.
func (n *Nexus) ExposeService(name string, object interface{}) {
	n.engine.ExposeService(name, object)
}

// UpdateIdentity merges patch into this process's local identity and
// pushes the update to every connected peer.
func (n *Nexus) UpdateIdentity(patch Identity) {
	n.engine.Conns.UpdateLocalIdentity(conn.Identity(patch))
}

// Ref wraps obj so Create/CreateMulticast capture it by reference (a
// capability proxy on the peer) instead of copying its structure across
// the wire.
func Ref(obj interface{}) interface{} {
	return payload.Ref(obj)
}

// Release invokes proxy's release handle, notifying the owning connection
// that this side no longer references the resource. Idempotent.
func Release(proxy *capproxy.Proxy) error {
	return proxy.Release()
}

// Create performs a unicast call: token.Path against the target resolved
// by the precedence chain (explicit opts.Target, then token.DefaultTarget,
// then the sole configured ConnectTo descriptor), returning the single
// settled value or its error.
func (n *Nexus) Create(ctx context.Context, token Token, args []interface{}, opts CallOptions) (interface{}, error) {
	target, err := n.resolveTarget(token, opts)
	if err != nil {
		return nil, err
	}
	return n.engine.Invoke(ctx, target, token.Path, args, callproc.Options{
		Strategy: expectsToOneOrFirst(token.resolveExpects(opts)),
		Timeout:  token.resolveTimeout(opts),
	})
}

// CreateMulticast performs a broadcast call against every connection the
// resolved target matches. Unlike Create, an empty match is not an error:
// expects=all returns an empty slice, expects=stream returns a channel
// that closes immediately.
func (n *Nexus) CreateMulticast(ctx context.Context, token Token, args []interface{}, opts CallOptions) (interface{}, error) {
	target, err := n.resolveTarget(token, opts)
	if err != nil {
		return nil, err
	}
	expects := token.resolveExpects(opts)
	if expects == ExpectStream {
		return n.engine.InvokeStream(ctx, target, token.Path, args, token.resolveTimeout(opts))
	}
	return n.engine.Invoke(ctx, target, token.Path, args, callproc.Options{
		Strategy: expectsToStrategy(expects),
		Timeout:  token.resolveTimeout(opts),
	})
}

// Batch coalesces several GET/SET/APPLY calls against connectionID into a
// single round trip.
func (n *Nexus) Batch(ctx context.Context, connectionID string, calls []wire.Message) ([]wire.BatchResult, error) {
	return n.engine.Batch(ctx, connectionID, calls)
}

func expectsToOneOrFirst(e Expects) callproc.Strategy {
	if e == ExpectFirst {
		return callproc.StrategyFirst
	}
	return callproc.StrategyOne
}

func expectsToStrategy(e Expects) callproc.Strategy {
	switch e {
	case ExpectFirst:
		return callproc.StrategyFirst
	case ExpectAll:
		return callproc.StrategyAll
	default:
		return callproc.StrategyAll
	}
}

// Result is the "safe" counterpart to an (value, error) return: built on
// top of the single error-returning core (§C.1 of SPEC_FULL.md), not a
// second parallel implementation. OK is false iff Err is non-nil.
type Result struct {
	Value interface{}
	OK    bool
	Err   error
}

func toResult(v interface{}, err error) Result {
	if err != nil {
		return Result{Err: err}
	}
	return Result{Value: v, OK: true}
}

// SafeCreate adapts Create into a Result instead of an (value, error) pair,
// for callers that prefer not to branch on a returned error.
func (n *Nexus) SafeCreate(ctx context.Context, token Token, args []interface{}, opts CallOptions) Result {
	return toResult(n.Create(ctx, token, args, opts))
}

// SafeCreateMulticast adapts CreateMulticast into a Result.
func (n *Nexus) SafeCreateMulticast(ctx context.Context, token Token, args []interface{}, opts CallOptions) Result {
	return toResult(n.CreateMulticast(ctx, token, args, opts))
}

// RemoteService mints a service proxy addressed at connectionID's exposed
// service named serviceName, for callers that want the capproxy.Proxy
// ergonomics (Get/Set/Apply/Child) instead of one-shot Create calls.
func (n *Nexus) RemoteService(connectionID, serviceName string) *capproxy.Proxy {
	return n.engine.RemoteService(connectionID, serviceName)
}

// Connections returns every currently-ready connection.
func (n *Nexus) Connections() []*conn.Connection {
	return n.engine.Conns.Connections()
}
