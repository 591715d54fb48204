package callproc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/capproxy"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
	"github.com/c-w-xiaohei/nexus/pkg/payload"
	"github.com/c-w-xiaohei/nexus/pkg/pending"
	"github.com/c-w-xiaohei/nexus/pkg/port"
	"github.com/c-w-xiaohei/nexus/pkg/resource"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// fakePort is a minimal in-process port.Port used to pair two connections
// without a real transport.
type fakePort struct {
	mu        sync.Mutex
	peer      *fakePort
	onMessage func([]byte)
	onDisconn func(error)
}

func newFakePortPair() (*fakePort, *fakePort) {
	a, b := &fakePort{}, &fakePort{}
	a.peer, b.peer = b, a
	return a, b
}

func (f *fakePort) PostMessage(data []byte, _ [][]byte) error {
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()
	cp := append([]byte(nil), data...)
	go func() {
		peer.mu.Lock()
		cb := peer.onMessage
		peer.mu.Unlock()
		if cb != nil {
			cb(cp)
		}
	}()
	return nil
}

func (f *fakePort) OnMessage(cb func([]byte))   { f.mu.Lock(); f.onMessage = cb; f.mu.Unlock() }
func (f *fakePort) OnDisconnect(cb func(error)) { f.mu.Lock(); f.onDisconn = cb; f.mu.Unlock() }
func (f *fakePort) Close() error {
	f.mu.Lock()
	cb := f.onDisconn
	f.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
	return nil
}

var _ port.Port = (*fakePort)(nil)

// loopEndpoint pairs a Connect call with whatever Listen most recently
// registered, handing each side one half of an in-process fakePort pair.
type loopEndpoint struct {
	mu       sync.Mutex
	onAccept func(port.Port, conn.PlatformMetadata)
}

func (e *loopEndpoint) Capabilities() port.Capabilities { return port.Capabilities{} }

func (e *loopEndpoint) Listen(onAccept func(port.Port, conn.PlatformMetadata)) error {
	e.mu.Lock()
	e.onAccept = onAccept
	e.mu.Unlock()
	return nil
}

func (e *loopEndpoint) Connect(ctx context.Context, d conn.Descriptor) (port.Port, conn.PlatformMetadata, error) {
	e.mu.Lock()
	onAccept := e.onAccept
	e.mu.Unlock()
	if onAccept == nil {
		return nil, nil, errors.New("loopEndpoint: no listener registered")
	}
	a, b := newFakePortPair()
	go onAccept(b, conn.PlatformMetadata{})
	return a, conn.PlatformMetadata{}, nil
}

var (
	_ conn.ListenEndpoint = (*loopEndpoint)(nil)
	_ conn.DialEndpoint   = (*loopEndpoint)(nil)
)

// harness wires a client Processor talking to a server conn.Manager that
// echoes APPLY(["echo"], [x]) back as RES(x), for exercising Invoke.
type harness struct {
	logger    nexuslog.Logger
	client    *Processor
	clientMgr *conn.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := nexuslog.Nop("test")
	ep := &loopEndpoint{}

	var serverMgr *conn.Manager
	serverMgr = conn.New(logger, conn.Config{ListenOn: []conn.ListenEndpoint{ep}}, conn.Handlers{
		OnMessage: func(c *conn.Connection, msg wire.Message) {
			m, ok := msg.(wire.ApplyMsg)
			if !ok || len(m.Path) != 1 || m.Path[0] != "echo" {
				return
			}
			var result interface{}
			if len(m.Args) > 0 {
				result = m.Args[0]
			}
			_, _ = serverMgr.SendMessage(conn.Target{ConnectionID: c.ID()}, wire.ResMsg{ID: m.ID, Result: result})
		},
	})
	if err := serverMgr.Initialize(); err != nil {
		t.Fatalf("server Initialize: %v", err)
	}

	pendingMgr := pending.New()
	clientMgr := conn.New(logger, conn.Config{ConnectTo: []conn.ConnectEntry{{Endpoint: ep}}}, conn.Handlers{})
	proc := New(logger, clientMgr, pendingMgr)
	rm := resource.New(logger)
	factory := capproxy.NewFactory(proc)
	proc.SetCodec(payload.NewSanitizer(rm), payload.NewReviver(rm, factory))
	clientMgr.SetHandlers(conn.Handlers{
		OnMessage:          func(c *conn.Connection, msg wire.Message) { proc.OnMessage(c.ID(), msg) },
		OnConnectionClosed: func(c *conn.Connection, err error) { proc.OnDisconnect(c.ID()) },
	})
	if err := clientMgr.Initialize(); err != nil {
		t.Fatalf("client Initialize: %v", err)
	}

	h := &harness{logger: logger, client: proc, clientMgr: clientMgr}
	h.waitReady(t)
	return h
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range h.clientMgr.Connections() {
			if c.State() == conn.StateReady {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("client connection never became ready")
}

func TestInvokeEchoesThroughDescriptorTarget(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := h.client.Invoke(ctx, conn.Target{Descriptor: conn.Descriptor{}}, []string{"echo"}, []interface{}{"hello"}, Options{Strategy: StrategyOne})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result != "hello" {
		t.Fatalf("result = %#v, want %q", result, "hello")
	}
}

func TestInvokeAllCollectsSettled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := h.client.Invoke(ctx, conn.Target{Descriptor: conn.Descriptor{}}, []string{"echo"}, []interface{}{"x"}, Options{Strategy: StrategyAll})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	settled, ok := result.([]pending.Settled)
	if !ok || len(settled) != 1 || !settled[0].OK || settled[0].Value != "x" {
		t.Fatalf("result = %#v", result)
	}
}
