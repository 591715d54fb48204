// Package callproc implements the call processor: the L3 component that
// turns a GET/SET/APPLY request into sanitized wire messages addressed to
// one or more connections, registers the resulting response(s) with the
// pending-call manager, and adapts the settled results back into a single
// Go value or error per the caller's requested strategy. It also
// implements capproxy.Dispatcher, so every capability proxy minted
// anywhere in the process routes its Get/Set/Apply/Release back through
// here.
package callproc

import (
	"context"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/capproxy"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
	"github.com/c-w-xiaohei/nexus/pkg/payload"
	"github.com/c-w-xiaohei/nexus/pkg/pending"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

var _ capproxy.Dispatcher = (*Processor)(nil)

// DefaultTimeout is used when neither the caller nor a proxy-level default
// supplies one.
const DefaultTimeout = 5 * time.Second

// Strategy selects how a multi-target Invoke/Get/Set settles.
type Strategy int

const (
	// StrategyOne requires exactly one target; anything else is a
	// targeting error. Used for unicast Invoke calls (nexus.Create).
	StrategyOne Strategy = iota
	// StrategyFirst resolves with the first fulfilled value, or (if every
	// target rejects) the first rejection's error.
	StrategyFirst
	// StrategyAll collects every settled result and returns them all; the
	// caller inspects each for OK/Err.
	StrategyAll
	// StrategyStream streams settled results as they arrive.
	StrategyStream
)

// Options configures one outbound call.
type Options struct {
	Strategy Strategy
	Timeout  time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

func (o Options) pendingStrategy() pending.Strategy {
	if o.Strategy == StrategyStream {
		return pending.StrategyStream
	}
	return pending.StrategyCollect
}

// Processor is the L3 call processor.
type Processor struct {
	logger    nexuslog.Logger
	conns     *conn.Manager
	pendingMu *pending.Manager
	sanitizer *payload.Sanitizer
	reviver   *payload.Reviver
}

// New builds a Processor. Call SetCodec before issuing any call; the
// sanitizer/reviver are wired in a second step because they in turn depend
// on a capproxy.Factory built from this Processor as its Dispatcher.
func New(logger nexuslog.Logger, conns *conn.Manager, pendingMgr *pending.Manager) *Processor {
	return &Processor{
		logger:    logger.Fork("callproc"),
		conns:     conns,
		pendingMu: pendingMgr,
	}
}

// SetCodec wires the sanitize/revive codec in once the rest of the engine
// has finished constructing it.
func (p *Processor) SetCodec(s *payload.Sanitizer, r *payload.Reviver) {
	p.sanitizer = s
	p.reviver = r
}

// OnMessage hands an inbound RES/ERR to the pending-call manager so a
// blocked Invoke/Get/Set/Apply can settle. Call this from the message
// dispatcher for every TypeRes/TypeErr message.
func (p *Processor) OnMessage(sourceConnectionID string, msg wire.Message) {
	switch m := msg.(type) {
	case wire.ResMsg:
		revived, err := p.reviver.Revive(m.Result, sourceConnectionID)
		if err != nil {
			p.pendingMu.Settle(m.ID, pending.Settled{OK: false, Err: err, From: sourceConnectionID})
			return
		}
		p.pendingMu.Settle(m.ID, pending.Settled{OK: true, Value: revived, From: sourceConnectionID})
	case wire.ErrMsg:
		p.pendingMu.Settle(m.ID, pending.Settled{OK: false, Err: deserializeRemote(m.Error), From: sourceConnectionID})
	case wire.BatchResMsg:
		revived := make([]wire.BatchResult, len(m.Results))
		for i, r := range m.Results {
			if !r.OK {
				revived[i] = r
				continue
			}
			v, err := p.reviver.Revive(r.Value, sourceConnectionID)
			if err != nil {
				revived[i] = wire.BatchResult{OK: false, Error: nexuserr.Serialize(err)}
				continue
			}
			revived[i] = wire.BatchResult{OK: true, Value: v}
		}
		p.pendingMu.Settle(m.ID, pending.Settled{OK: true, Value: revived, From: sourceConnectionID})
	}
}

// OnDisconnect forwards a lost connection to the pending-call manager so
// any call still waiting on it can fall out correctly.
func (p *Processor) OnDisconnect(connectionID string) {
	p.pendingMu.OnDisconnect(connectionID)
}

func deserializeRemote(s *nexuserr.Serialized) error {
	if s == nil {
		return nexuserr.New(nexuserr.KindRemote, "remote call failed")
	}
	return nexuserr.New(nexuserr.Kind(s.Code), "%s", s.Message)
}

// Get implements capproxy.Dispatcher: a unicast GET against connectionID.
func (p *Processor) Get(ctx context.Context, connectionID string, resourceID *string, path []string) (interface{}, error) {
	msg := wire.GetMsg{ID: wire.NewMessageID(), ResourceID: resourceID, Path: path}
	return p.callOne(ctx, connectionID, msg)
}

// Set implements capproxy.Dispatcher: a unicast SET against connectionID.
func (p *Processor) Set(ctx context.Context, connectionID string, resourceID *string, path []string, value interface{}) error {
	sanitized, err := p.sanitizer.Sanitize(value, connectionID)
	if err != nil {
		return err
	}
	msg := wire.SetMsg{ID: wire.NewMessageID(), ResourceID: resourceID, Path: path, Value: sanitized}
	_, err = p.callOne(ctx, connectionID, msg)
	return err
}

// Apply implements capproxy.Dispatcher: a unicast APPLY against connectionID.
func (p *Processor) Apply(ctx context.Context, connectionID string, resourceID *string, path []string, args []interface{}) (interface{}, error) {
	sanitizedArgs := make([]interface{}, len(args))
	for i, a := range args {
		sa, err := p.sanitizer.Sanitize(a, connectionID)
		if err != nil {
			return nil, err
		}
		sanitizedArgs[i] = sa
	}
	msg := wire.ApplyMsg{ID: wire.NewMessageID(), ResourceID: resourceID, Path: path, Args: sanitizedArgs}
	return p.callOne(ctx, connectionID, msg)
}

// Release implements capproxy.Dispatcher: fires an uncorrelated RELEASE at
// connectionID. Best-effort; the peer's resource manager drops the entry
// unconditionally regardless of delivery.
func (p *Processor) Release(connectionID string, resourceID string) error {
	_, err := p.conns.SendMessage(conn.Target{ConnectionID: connectionID}, wire.ReleaseMsg{ResourceID: resourceID})
	return err
}

// Batch coalesces calls into a single BATCH packet addressed to
// connectionID, so a caller who needs to fire several GET/SET/APPLY calls
// at the same peer pays for one round trip instead of one per call. Each
// inner call's own ID is ignored; the batch ID correlates the whole group,
// and the reply's BatchResult slice preserves the calls' order.
func (p *Processor) Batch(ctx context.Context, connectionID string, calls []wire.Message) ([]wire.BatchResult, error) {
	sanitized := make([]wire.Message, len(calls))
	for i, call := range calls {
		sc, err := p.sanitizeBatchCall(call, connectionID)
		if err != nil {
			return nil, err
		}
		sanitized[i] = sc
	}

	msg := wire.BatchMsg{ID: wire.NewMessageID(), Calls: sanitized}
	result, err := p.callOne(ctx, connectionID, msg)
	if err != nil {
		return nil, err
	}
	results, ok := result.([]wire.BatchResult)
	if !ok {
		return nil, nexuserr.New(nexuserr.KindProtocol, "batch reply from %s was not a result slice", connectionID)
	}
	return results, nil
}

func (p *Processor) sanitizeBatchCall(call wire.Message, connectionID string) (wire.Message, error) {
	switch m := call.(type) {
	case wire.GetMsg:
		return m, nil
	case wire.SetMsg:
		sv, err := p.sanitizer.Sanitize(m.Value, connectionID)
		if err != nil {
			return nil, err
		}
		m.Value = sv
		return m, nil
	case wire.ApplyMsg:
		sanitizedArgs := make([]interface{}, len(m.Args))
		for i, a := range m.Args {
			sa, err := p.sanitizer.Sanitize(a, connectionID)
			if err != nil {
				return nil, err
			}
			sanitizedArgs[i] = sa
		}
		m.Args = sanitizedArgs
		return m, nil
	default:
		return nil, nexuserr.New(nexuserr.KindUsage, "unsupported call type %s in batch", call.MessageType())
	}
}

func messageID(msg wire.Message) string {
	id := wire.MessageID(msg)
	if id == nil {
		return ""
	}
	return *id
}

// callOne sends msg to exactly one connection and waits for its single
// settlement, unwrapping it into a (value, error) pair the way a unicast
// caller expects.
func (p *Processor) callOne(ctx context.Context, connectionID string, msg wire.Message) (interface{}, error) {
	call := p.pendingMu.Register(messageID(msg), pending.StrategyCollect, []string{connectionID}, DefaultTimeout)
	if _, err := p.conns.SendMessage(conn.Target{ConnectionID: connectionID}, msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-call.Done():
	}
	results, err := call.Wait()
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, nexuserr.New(nexuserr.KindTimeout, "call to %s timed out", connectionID)
	}
	r := results[0]
	if !r.OK {
		return nil, r.Err
	}
	return r.Value, nil
}

// Invoke dispatches an APPLY to every connection target addresses,
// sanitizing args separately for each recipient (a resource captured in
// args is minted once per recipient connection, since ownership is
// connection-scoped), and adapts the settled results per opts.Strategy.
func (p *Processor) Invoke(ctx context.Context, target conn.Target, path []string, args []interface{}, opts Options) (interface{}, error) {
	results, err := p.broadcast(ctx, target, opts, func(connectionID string) (wire.Message, error) {
		sanitizedArgs := make([]interface{}, len(args))
		for i, a := range args {
			sa, err := p.sanitizer.Sanitize(a, connectionID)
			if err != nil {
				return nil, err
			}
			sanitizedArgs[i] = sa
		}
		return wire.ApplyMsg{Path: path, Args: sanitizedArgs}, nil
	})
	if err != nil {
		return nil, err
	}
	return adapt(opts.Strategy, results)
}

// InvokeStream behaves like Invoke but streams each settlement as it
// arrives instead of waiting for completion. An empty match is not an
// error: it yields an already-closed stream, matching the broadcast
// "does not fail on empty match" rule (unlike a single-connectionId
// unicast, stream addressing is always a broadcast strategy).
func (p *Processor) InvokeStream(ctx context.Context, target conn.Target, path []string, args []interface{}, timeout time.Duration) (<-chan pending.Settled, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conns, err := p.conns.ResolveTargets(target)
	if err != nil {
		return nil, err
	}

	id := wire.NewMessageID()
	call := p.pendingMu.Register(id, pending.StrategyStream, connIDs(conns), timeout)
	for _, c := range conns {
		sanitizedArgs := make([]interface{}, len(args))
		for i, a := range args {
			sa, err := p.sanitizer.Sanitize(a, c.ID())
			if err != nil {
				return nil, err
			}
			sanitizedArgs[i] = sa
		}
		if err := c.Send(wire.ApplyMsg{ID: id, Path: path, Args: sanitizedArgs}); err != nil {
			p.logger.WLogf("streaming invoke to %s: %v", c.ID(), err)
		}
	}
	return call.Stream(), nil
}

func connIDs(conns []*conn.Connection) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID()
	}
	return out
}

// broadcast resolves target to its matching connections, builds a
// per-connection message via build, sends each, and waits for the
// resulting settlements. An empty match is only an error for StrategyOne
// (true unicast); every broadcast strategy instead lets adapt produce its
// own empty result from a zero-length results slice.
func (p *Processor) broadcast(ctx context.Context, target conn.Target, opts Options, build func(connectionID string) (wire.Message, error)) ([]pending.Settled, error) {
	conns, err := p.conns.ResolveTargets(target)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 && opts.Strategy == StrategyOne {
		return nil, nexuserr.New(nexuserr.KindTargeting, "no connection matched target %v", target)
	}

	id := wire.NewMessageID()
	call := p.pendingMu.Register(id, opts.pendingStrategy(), connIDs(conns), opts.timeout())
	for _, c := range conns {
		msg, err := build(c.ID())
		if err != nil {
			return nil, err
		}
		msg = withID(msg, id)
		if err := c.Send(msg); err != nil {
			p.logger.WLogf("invoke to %s: %v", c.ID(), err)
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-call.Done():
	}
	return call.Wait()
}

// withID stamps id onto msg's correlation field. Only message types Invoke
// builds (ApplyMsg today) are handled.
func withID(msg wire.Message, id string) wire.Message {
	if m, ok := msg.(wire.ApplyMsg); ok {
		m.ID = id
		return m
	}
	return msg
}

func adapt(strategy Strategy, results []pending.Settled) (interface{}, error) {
	switch strategy {
	case StrategyOne:
		if len(results) != 1 {
			return nil, nexuserr.New(nexuserr.KindTargeting, "expected exactly one target to respond, got %d", len(results))
		}
		if !results[0].OK {
			return nil, results[0].Err
		}
		return results[0].Value, nil
	case StrategyFirst:
		// Zero matched connections settles undefined, not an error: results
		// is empty, the loop below never runs, and firstErr stays nil.
		var firstErr error
		for _, r := range results {
			if r.OK {
				return r.Value, nil
			}
			if firstErr == nil {
				firstErr = r.Err
			}
		}
		return nil, firstErr
	case StrategyAll:
		return results, nil
	default:
		return results, nil
	}
}
