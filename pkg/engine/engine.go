// Package engine is the L3 wiring root: it owns the resource manager, the
// pending-call manager, the call processor, the capability proxy factory,
// the payload codec, and the inbound message handler, and wires them all
// to an L2 connection manager's single message/disconnect entry points.
package engine

import (
	"context"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/callproc"
	"github.com/c-w-xiaohei/nexus/pkg/capproxy"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
	"github.com/c-w-xiaohei/nexus/pkg/dispatch"
	"github.com/c-w-xiaohei/nexus/pkg/payload"
	"github.com/c-w-xiaohei/nexus/pkg/pending"
	"github.com/c-w-xiaohei/nexus/pkg/resource"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// Config configures an Engine at construction.
type Config struct {
	Conn    conn.Config
	CanCall dispatch.AuthHook
}

// Engine is the fully-wired L3 runtime: create one per Nexus instance.
type Engine struct {
	logger    nexuslog.Logger
	Conns     *conn.Manager
	Resources *resource.Manager
	Calls     *callproc.Processor
	Proxies   *capproxy.Factory
	Sanitizer *payload.Sanitizer
	Reviver   *payload.Reviver
	handler   *dispatch.Handler
}

// New builds a fully-wired Engine. Call Initialize to start listening/dialing.
func New(logger nexuslog.Logger, cfg Config) *Engine {
	logger = logger.Fork("engine")

	resources := resource.New(logger)
	pendingMgr := pending.New()

	e := &Engine{
		logger:    logger,
		Resources: resources,
	}

	conns := conn.New(logger, cfg.Conn, conn.Handlers{
		OnMessage:          e.onConnMessage,
		OnConnectionClosed: e.onConnClosed,
	})
	e.Conns = conns

	calls := callproc.New(logger, conns, pendingMgr)
	factory := capproxy.NewFactory(calls)
	sanitizer := payload.NewSanitizer(resources)
	reviver := payload.NewReviver(resources, factory)
	calls.SetCodec(sanitizer, reviver)

	e.Calls = calls
	e.Proxies = factory
	e.Sanitizer = sanitizer
	e.Reviver = reviver
	e.handler = dispatch.New(logger, resources, sanitizer, reviver, cfg.CanCall)

	return e
}

func (e *Engine) onConnMessage(c *conn.Connection, msg wire.Message) {
	switch msg.(type) {
	case wire.ResMsg, wire.ErrMsg, wire.BatchResMsg:
		e.Calls.OnMessage(c.ID(), msg)
	default:
		e.handler.Handle(c, msg)
	}
}

func (e *Engine) onConnClosed(c *conn.Connection, err error) {
	e.Resources.CleanupConnection(c.ID())
	e.Calls.OnDisconnect(c.ID())
}

// Initialize starts the underlying connection manager's listeners and dial loops.
func (e *Engine) Initialize() error {
	return e.Conns.Initialize()
}

// ExposeService registers object under name, reachable by peers as the
// root of a GET/SET/APPLY path.
func (e *Engine) ExposeService(name string, object interface{}) {
	e.Resources.ExposeService(name, object)
}

// Invoke performs a GET/SET/APPLY's broadcast cousin: call a method at
// path on every connection target addresses, and adapt the settled
// results per opts.Strategy.
func (e *Engine) Invoke(ctx context.Context, target conn.Target, path []string, args []interface{}, opts callproc.Options) (interface{}, error) {
	return e.Calls.Invoke(ctx, target, path, args, opts)
}

// InvokeStream is Invoke's streaming cousin.
func (e *Engine) InvokeStream(ctx context.Context, target conn.Target, path []string, args []interface{}, timeout time.Duration) (<-chan pending.Settled, error) {
	return e.Calls.InvokeStream(ctx, target, path, args, timeout)
}

// RemoteService mints a service proxy addressed at connectionID's exposed
// service named serviceName.
func (e *Engine) RemoteService(connectionID, serviceName string) *capproxy.Proxy {
	return e.Proxies.NewServiceProxy(connectionID, serviceName)
}

// Batch coalesces several GET/SET/APPLY calls against connectionID into a
// single round trip.
func (e *Engine) Batch(ctx context.Context, connectionID string, calls []wire.Message) ([]wire.BatchResult, error) {
	return e.Calls.Batch(ctx, connectionID, calls)
}
