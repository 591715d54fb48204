package conn

import (
	"sync"
	"sync/atomic"

	"github.com/c-w-xiaohei/nexus/internal/lifecycle"
	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/port"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// State is a Connection's position in the handshaking -> ready -> closed
// state machine. All transitions are terminal at closed.
type State int

const (
	StateHandshaking State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Policy gates connection acceptance. A nil Policy (or a nil CanConnect)
// accepts every handshake.
type Policy struct {
	CanConnect func(remote Identity, meta PlatformMetadata) bool
}

// Callbacks are the manager-level hooks a Connection drives as it moves
// through its lifecycle.
type Callbacks struct {
	OnReady      func(c *Connection)
	OnMessage    func(c *Connection, msg wire.Message)
	OnDisconnect func(c *Connection, err error)
}

var connSeq int64

func nextConnectionID() string {
	n := atomic.AddInt64(&connSeq, 1)
	return "conn-" + itoa(n)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Connection is one logical connection: a state machine layered over a
// single port.Processor. The id is minted locally the moment the
// connection object is created and never changes; it is meaningful only
// within this process, matching the contract that peers never see it.
type Connection struct {
	lifecycle.ShutdownHelper

	id          string
	processor   *port.Processor
	meta        PlatformMetadata
	isInitiator bool
	policy      *Policy
	cb          Callbacks
	logger      nexuslog.Logger

	mu             sync.Mutex
	state          State
	localIdentity  Identity
	remoteIdentity Identity
	handshakeID    string
	readyOnce      sync.Once
	disconnectOnce sync.Once
}

// NewConnection wraps p in a Connection. localIdentity is this side's
// identity as of handshake start (a snapshot; later updates are pushed
// separately via SendIdentityUpdate). If isInitiator, the handshake request
// is sent as soon as the caller invokes Begin.
func NewConnection(logger nexuslog.Logger, p *port.Processor, meta PlatformMetadata, isInitiator bool, localIdentity Identity, policy *Policy, cb Callbacks) *Connection {
	c := &Connection{
		id:            nextConnectionID(),
		processor:     p,
		meta:          meta,
		isInitiator:   isInitiator,
		policy:        policy,
		cb:            cb,
		state:         StateHandshaking,
		localIdentity: localIdentity,
	}
	c.logger = logger.Fork("conn %s", c.id)
	c.InitShutdownHelper(c.logger, c)

	p.SetCallbacks(port.Callbacks{
		OnMessage:       c.handleMessage,
		OnDisconnect:    c.handleDisconnect,
		OnProtocolError: func(err error) { c.logger.WLogf("protocol error: %v", err) },
	})
	return c
}

// ID returns the locally-minted, process-local connection id.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns a snapshot of the remote peer's identity. Empty until
// the handshake completes.
func (c *Connection) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteIdentity.Clone()
}

// Meta returns the platform metadata attached by the adapter at handshake time.
func (c *Connection) Meta() PlatformMetadata { return c.meta }

// Begin starts the handshake: the initiator sends HANDSHAKE_REQ; the
// acceptor waits for one.
func (c *Connection) Begin() {
	if !c.isInitiator {
		return
	}
	c.mu.Lock()
	c.handshakeID = wire.NewMessageID()
	id := c.handshakeID
	local := c.localIdentity
	c.mu.Unlock()

	err := c.processor.Send(wire.HandshakeReqMsg{ID: id, Metadata: local})
	if err != nil {
		c.logger.WLogf("sending handshake request: %v", err)
		c.StartShutdown(nexuserr.Wrap(nexuserr.KindDisconnected, err, "handshake request"))
	}
}

// Send transmits a logical message over the ready connection.
func (c *Connection) Send(msg wire.Message) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateReady {
		return nexuserr.New(nexuserr.KindDisconnected, "connection %s is not ready (state=%s)", c.id, state)
	}
	return c.processor.Send(msg)
}

// SendIdentityUpdate pushes a local identity patch to the peer. If the
// connection isn't ready nothing is sent and Send's disconnected error is
// returned.
func (c *Connection) SendIdentityUpdate(updates Identity) error {
	return c.Send(wire.IdentityUpdateMsg{Updates: updates})
}

func (c *Connection) handleMessage(msg wire.Message) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch m := msg.(type) {
	case wire.HandshakeReqMsg:
		c.handleHandshakeReq(m)
	case wire.HandshakeAckMsg:
		c.handleHandshakeAck(m)
	case wire.HandshakeRejectMsg:
		c.logger.WLogf("handshake rejected: %v", m.Error)
		c.StartShutdown(nexuserr.New(nexuserr.KindDisconnected, "handshake rejected"))
	case wire.IdentityUpdateMsg:
		c.mu.Lock()
		c.remoteIdentity = c.remoteIdentity.Merge(m.Updates)
		c.mu.Unlock()
	default:
		if state != StateReady {
			c.logger.WLogf("dropping %s received before handshake completed", msg.MessageType())
			return
		}
		if cb := c.cb.OnMessage; cb != nil {
			cb(c, msg)
		}
	}
}

func (c *Connection) handleHandshakeReq(m wire.HandshakeReqMsg) {
	c.mu.Lock()
	if c.state != StateHandshaking {
		c.mu.Unlock()
		return
	}
	remote := Identity(m.Metadata)
	if c.policy != nil && c.policy.CanConnect != nil && !c.policy.CanConnect(remote, c.meta) {
		c.mu.Unlock()
		_ = c.processor.Send(wire.HandshakeRejectMsg{ID: m.ID, Error: nexuserr.Serialize(nexuserr.New(nexuserr.KindConfiguration, "connection rejected by policy"))})
		c.StartShutdown(nexuserr.New(nexuserr.KindConfiguration, "connection rejected by local policy"))
		return
	}
	c.remoteIdentity = remote
	local := c.localIdentity
	c.mu.Unlock()

	if err := c.processor.Send(wire.HandshakeAckMsg{ID: m.ID, Metadata: local}); err != nil {
		c.logger.WLogf("sending handshake ack: %v", err)
		c.StartShutdown(nexuserr.Wrap(nexuserr.KindDisconnected, err, "handshake ack"))
		return
	}
	c.transitionReady()
}

func (c *Connection) handleHandshakeAck(m wire.HandshakeAckMsg) {
	c.mu.Lock()
	if c.state != StateHandshaking || !c.isInitiator {
		c.mu.Unlock()
		return
	}
	c.remoteIdentity = Identity(m.Metadata)
	c.mu.Unlock()
	c.transitionReady()
}

func (c *Connection) transitionReady() {
	c.mu.Lock()
	if c.state != StateHandshaking {
		c.mu.Unlock()
		return
	}
	c.state = StateReady
	c.mu.Unlock()

	c.readyOnce.Do(func() {
		if cb := c.cb.OnReady; cb != nil {
			cb(c)
		}
	})
}

func (c *Connection) handleDisconnect(err error) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.disconnectOnce.Do(func() {
		if cb := c.cb.OnDisconnect; cb != nil {
			cb(c, err)
		}
	})
	c.StartShutdown(err)
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (c *Connection) HandleOnceShutdown(completionError error) error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.processor.Close()
}
