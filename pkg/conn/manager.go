package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/port"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// ConnectEntry configures one outbound connection the manager dials at
// Initialize time and keeps alive with reconnect backoff.
type ConnectEntry struct {
	Endpoint   DialEndpoint
	Descriptor Descriptor
}

// Config configures a Manager at construction.
type Config struct {
	LocalIdentity Identity
	Policy        *Policy
	ListenOn      []ListenEndpoint
	ConnectTo     []ConnectEntry

	// MaxRetryInterval bounds the exponential backoff between reconnect
	// attempts for entries in ConnectTo. Zero selects a 30s default.
	MaxRetryInterval time.Duration
}

// Handlers are the engine-level callbacks the manager drives for every
// connection it owns.
type Handlers struct {
	// OnMessage is invoked for every post-handshake message on any
	// connection, tagged with the source connection.
	OnMessage func(conn *Connection, msg wire.Message)

	// OnConnectionClosed is invoked once per connection when it disconnects,
	// after it has been removed from the registry.
	OnConnectionClosed func(conn *Connection, err error)
}

// Manager is the L2 connection registry: it owns every Connection, dials
// configured outbound targets, accepts inbound ones, resolves addressing
// Targets to connections, and fans out local identity updates.
type Manager struct {
	logger   nexuslog.Logger
	cfg      Config
	handlers Handlers

	mu          sync.RWMutex
	connections map[string]*Connection
	groups      map[string]Matcher
	localID     Identity
}

// New builds a Manager. Call Initialize to start listening/dialing.
func New(logger nexuslog.Logger, cfg Config, handlers Handlers) *Manager {
	return &Manager{
		logger:      logger.Fork("connmgr"),
		cfg:         cfg,
		handlers:    handlers,
		connections: make(map[string]*Connection),
		groups:      make(map[string]Matcher),
		localID:     cfg.LocalIdentity.Clone(),
	}
}

// SetHandlers replaces the engine-level callbacks. Used when the handlers
// need a reference to something constructed from the Manager itself (e.g.
// a call processor), so they can only be wired after New returns.
func (m *Manager) SetHandlers(handlers Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = handlers
}

// RegisterGroup names a Matcher so Targets can reference it by GroupName.
func (m *Manager) RegisterGroup(name string, matcher Matcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[name] = matcher
}

// Initialize starts listening on every configured ListenEndpoint and begins
// a reconnecting dial loop for every configured ConnectEntry. It returns the
// first Listen error, after still attempting every other endpoint. It is not
// idempotent: it keeps no record of what is already active, so each call
// listens on every ListenEndpoint again and starts one more dial loop per
// ConnectEntry.
func (m *Manager) Initialize() error {
	var firstErr error
	for _, ep := range m.cfg.ListenOn {
		ep := ep
		if err := ep.Listen(func(p port.Port, meta PlatformMetadata) { m.acceptConnection(p, meta, ep) }); err != nil {
			m.logger.ELogf("listen failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	for _, entry := range m.cfg.ConnectTo {
		go m.dialLoop(entry)
	}
	return firstErr
}

func (m *Manager) acceptConnection(p port.Port, meta PlatformMetadata, ep Endpoint) {
	proc := port.New(m.logger, p, port.Options{Transferable: m.endpointTransferable(ep)})
	m.newConnection(proc, meta, false)
}

func (m *Manager) endpointTransferable(ep Endpoint) bool {
	if ep == nil {
		return false
	}
	return ep.Capabilities().SupportsTransferables
}

func (m *Manager) dialLoop(entry ConnectEntry) {
	maxInterval := m.cfg.MaxRetryInterval
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	b := &backoff.Backoff{Max: maxInterval}

	for {
		p, meta, err := entry.Endpoint.Connect(context.Background(), entry.Descriptor)
		if err != nil {
			d := b.Duration()
			m.logger.WLogf("connect to %v failed (attempt %d): %v; retrying in %s", entry.Descriptor, int(b.Attempt()), err, d)
			time.Sleep(d)
			continue
		}
		b.Reset()

		proc := port.New(m.logger, p, port.Options{Transferable: m.endpointTransferable(entry.Endpoint)})
		c := m.newConnection(proc, meta, true)
		c.Begin()
		<-c.ShutdownDoneChan()
		m.logger.DLogf("connection to %v lost, reconnecting", entry.Descriptor)
	}
}

func (m *Manager) newConnection(proc *port.Processor, meta PlatformMetadata, isInitiator bool) *Connection {
	m.mu.RLock()
	local := m.localID.Clone()
	m.mu.RUnlock()

	c := NewConnection(m.logger, proc, meta, isInitiator, local, m.cfg.Policy, Callbacks{
		OnReady: func(conn *Connection) {
			m.mu.Lock()
			m.connections[conn.ID()] = conn
			m.mu.Unlock()
			m.logger.ILogf("connection %s ready (remote=%v)", conn.ID(), conn.Identity())
		},
		OnMessage: func(conn *Connection, msg wire.Message) {
			if h := m.handlers.OnMessage; h != nil {
				h(conn, msg)
			}
		},
		OnDisconnect: func(conn *Connection, err error) {
			m.mu.Lock()
			delete(m.connections, conn.ID())
			m.mu.Unlock()
			if h := m.handlers.OnConnectionClosed; h != nil {
				h(conn, err)
			}
		},
	})
	return c
}

// ResolveConnection implements the connection manager's single-target
// resolution: search ready connections for one matching descriptor and
// matcher (either may be nil). If none match and descriptor is non-nil, a
// new connection is dialed against it and this call blocks until ready or
// the dial fails. If matcher is given without descriptor and nothing
// matches, returns (nil, nil): the caller must not create on a matcher
// alone.
func (m *Manager) ResolveConnection(ctx context.Context, descriptor Descriptor, matcher Matcher) (*Connection, error) {
	if c := m.findOne(descriptor, matcher); c != nil {
		return c, nil
	}
	if descriptor == nil {
		return nil, nil
	}

	ep := m.dialEndpointFor(descriptor)
	if ep == nil {
		return nil, nexuserr.New(nexuserr.KindConfiguration, "no dial endpoint configured to resolve descriptor %v", descriptor)
	}
	p, meta, err := ep.Connect(ctx, descriptor)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindDisconnected, err, "connecting to %v", descriptor)
	}
	proc := port.New(m.logger, p, port.Options{Transferable: m.endpointTransferable(ep)})
	c := m.newConnection(proc, meta, true)
	c.Begin()

	select {
	case <-c.ShutdownDoneChan():
		return nil, nexuserr.New(nexuserr.KindDisconnected, "connection to %v closed before becoming ready", descriptor)
	case <-readyOrDone(c, ctx):
		if c.State() == StateReady {
			return c, nil
		}
		return nil, nexuserr.New(nexuserr.KindDisconnected, "connection to %v did not become ready", descriptor)
	}
}

// readyOrDone returns a channel that fires once c leaves handshaking, or
// when ctx is cancelled.
func readyOrDone(c *Connection, ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ShutdownDoneChan():
				return
			case <-ticker.C:
				if c.State() != StateHandshaking {
					return
				}
			}
		}
	}()
	return done
}

func (m *Manager) dialEndpointFor(descriptor Descriptor) DialEndpoint {
	if len(m.cfg.ConnectTo) == 1 {
		return m.cfg.ConnectTo[0].Endpoint
	}
	for _, entry := range m.cfg.ConnectTo {
		if descriptorEqual(entry.Descriptor, descriptor) {
			return entry.Endpoint
		}
	}
	return nil
}

func descriptorEqual(a, b Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || !deepEqual(v, bv) {
			return false
		}
	}
	return true
}

func (m *Manager) findOne(descriptor Descriptor, matcher Matcher) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connections {
		if c.State() != StateReady {
			continue
		}
		id := c.Identity()
		if descriptor != nil && !descriptor.Matches(id) {
			continue
		}
		if matcher != nil && !matcher(id) {
			continue
		}
		return c
	}
	return nil
}

// ResolveTargets returns every ready connection target addresses, without
// sending anything. Used by callers that need to build a per-connection
// message (e.g. sanitizing arguments against each recipient individually)
// instead of posting one shared message via SendMessage.
func (m *Manager) ResolveTargets(target Target) ([]*Connection, error) {
	matcher := target.Matcher
	if target.GroupName != "" {
		m.mu.RLock()
		groupMatcher, ok := m.groups[target.GroupName]
		m.mu.RUnlock()
		if !ok {
			return nil, nexuserr.New(nexuserr.KindConfiguration, "unknown group %q", target.GroupName)
		}
		matcher = combineMatchers(matcher, groupMatcher)
	}
	return m.matchingConnections(target.ConnectionID, target.Descriptor, matcher), nil
}

// SendMessage resolves target to zero or more existing ready connections
// (no dialing) and posts msg through each. It returns the ids actually
// sent to; an empty return with a nil error means nothing matched.
func (m *Manager) SendMessage(target Target, msg wire.Message) ([]string, error) {
	matcher := target.Matcher
	if target.GroupName != "" {
		m.mu.RLock()
		groupMatcher, ok := m.groups[target.GroupName]
		m.mu.RUnlock()
		if !ok {
			return nil, nexuserr.New(nexuserr.KindConfiguration, "unknown group %q", target.GroupName)
		}
		matcher = combineMatchers(matcher, groupMatcher)
	}

	targets := m.matchingConnections(target.ConnectionID, target.Descriptor, matcher)
	sent := make([]string, 0, len(targets))
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			m.logger.WLogf("sending to %s: %v", c.ID(), err)
			continue
		}
		sent = append(sent, c.ID())
	}
	return sent, nil
}

func combineMatchers(a, b Matcher) Matcher {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(id Identity) bool { return a(id) && b(id) }
}

func (m *Manager) matchingConnections(connectionID string, descriptor Descriptor, matcher Matcher) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if connectionID != "" {
		if c, ok := m.connections[connectionID]; ok && c.State() == StateReady {
			return []*Connection{c}
		}
		return nil
	}

	var out []*Connection
	for _, c := range m.connections {
		if c.State() != StateReady {
			continue
		}
		id := c.Identity()
		if descriptor != nil && !descriptor.Matches(id) {
			continue
		}
		if matcher != nil && !matcher(id) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// UpdateLocalIdentity merges patch into the local identity and broadcasts
// an identity update to every ready connection.
func (m *Manager) UpdateLocalIdentity(patch Identity) {
	m.mu.Lock()
	m.localID = m.localID.Merge(patch)
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.State() == StateReady {
			if err := c.SendIdentityUpdate(patch); err != nil {
				m.logger.WLogf("identity update to %s: %v", c.ID(), err)
			}
		}
	}
}

// Connections returns a snapshot of every connection currently registered,
// regardless of state.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}
	return out
}

// Get looks up a connection by id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	return c, ok
}

func (m *Manager) String() string {
	return fmt.Sprintf("connmgr(%d connections)", len(m.connections))
}
