package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/capproxy"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
	"github.com/c-w-xiaohei/nexus/pkg/payload"
	"github.com/c-w-xiaohei/nexus/pkg/port"
	"github.com/c-w-xiaohei/nexus/pkg/resource"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

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

type wiring struct {
	logger    nexuslog.Logger
	resources *resource.Manager
	sanitizer *payload.Sanitizer
	reviver   *payload.Reviver
	handler   *Handler
	client    *conn.Connection
	server    *conn.Connection
	replies   chan wire.Message
}

func noopCanCall(conn.Identity, string, []string) bool { return true }

type stubDispatcher struct{}

func (stubDispatcher) Get(context.Context, string, *string, []string) (interface{}, error) {
	return nil, nil
}
func (stubDispatcher) Set(context.Context, string, *string, []string, interface{}) error { return nil }
func (stubDispatcher) Apply(context.Context, string, *string, []string, []interface{}) (interface{}, error) {
	return nil, nil
}
func (stubDispatcher) Release(string, string) error { return nil }

func newWiring(t *testing.T) *wiring {
	t.Helper()
	logger := nexuslog.Nop("test")
	rm := resource.New(logger)
	factory := capproxy.NewFactory(stubDispatcher{})
	sanitizer := payload.NewSanitizer(rm)
	reviver := payload.NewReviver(rm, factory)
	handler := New(logger, rm, sanitizer, reviver, noopCanCall)

	a, b := newFakePortPair()
	pa := port.New(logger, a, port.Options{})
	pb := port.New(logger, b, port.Options{})

	readyClient := make(chan struct{})
	readyServer := make(chan struct{})
	replies := make(chan wire.Message, 4)
	client := conn.NewConnection(logger, pa, nil, true, conn.Identity{}, nil, conn.Callbacks{
		OnReady:   func(*conn.Connection) { close(readyClient) },
		OnMessage: func(_ *conn.Connection, msg wire.Message) { replies <- msg },
	})
	server := conn.NewConnection(logger, pb, nil, false, conn.Identity{}, nil, conn.Callbacks{OnReady: func(*conn.Connection) { close(readyServer) }})
	client.Begin()

	select {
	case <-readyClient:
	case <-time.After(time.Second):
		t.Fatal("client never became ready")
	}
	select {
	case <-readyServer:
	case <-time.After(time.Second):
		t.Fatal("server never became ready")
	}

	return &wiring{logger: logger, resources: rm, sanitizer: sanitizer, reviver: reviver, handler: handler, client: client, server: server, replies: replies}
}

type greeter struct{ Name string }

func (g *greeter) Greet(who string) string { return "hello " + who + " from " + g.Name }

func (w *wiring) sendAndAwaitReply(t *testing.T, id string, msg wire.Message) wire.Message {
	t.Helper()
	w.handler.Handle(w.server, msg)
	select {
	case m := <-w.replies:
		return m
	case <-time.After(time.Second):
		t.Fatalf("no reply received for %s", id)
		return nil
	}
}

func TestHandleApplyInvokesServiceMethod(t *testing.T) {
	w := newWiring(t)
	w.resources.ExposeService("svc", &greeter{Name: "nexus"})

	reply := w.sendAndAwaitReply(t, "1", wire.ApplyMsg{ID: "1", Path: []string{"svc", "Greet"}, Args: []interface{}{"world"}})
	res, ok := reply.(wire.ResMsg)
	if !ok {
		t.Fatalf("reply = %#v, want ResMsg", reply)
	}
	if res.Result != "hello world from nexus" {
		t.Fatalf("result = %v", res.Result)
	}
}

func TestHandleGetReadsStructField(t *testing.T) {
	w := newWiring(t)
	w.resources.ExposeService("svc", greeter{Name: "x"})

	reply := w.sendAndAwaitReply(t, "2", wire.GetMsg{ID: "2", Path: []string{"svc", "Name"}})
	res, ok := reply.(wire.ResMsg)
	if !ok {
		t.Fatalf("reply = %#v, want ResMsg", reply)
	}
	if res.Result != "x" {
		t.Fatalf("result = %v", res.Result)
	}
}

func TestHandleSetAssignsStructField(t *testing.T) {
	w := newWiring(t)
	target := &greeter{Name: "old"}
	w.resources.ExposeService("svc", target)

	reply := w.sendAndAwaitReply(t, "3", wire.SetMsg{ID: "3", Path: []string{"svc", "Name"}, Value: "new"})
	if _, ok := reply.(wire.ResMsg); !ok {
		t.Fatalf("reply = %#v, want ResMsg", reply)
	}
	if target.Name != "new" {
		t.Fatalf("target.Name = %q, want new", target.Name)
	}
}

func TestHandleGetRejectsResourceNotOwnedByCaller(t *testing.T) {
	w := newWiring(t)
	id := w.resources.MintLocalResource(&greeter{Name: "x"}, resource.KindRefObject, "some-other-connection")

	reply := w.sendAndAwaitReply(t, "4", wire.GetMsg{ID: "4", ResourceID: &id, Path: []string{"Name"}})
	if _, ok := reply.(wire.ErrMsg); !ok {
		t.Fatalf("reply = %#v, want ErrMsg", reply)
	}
}

func TestHandleReleaseRemovesResource(t *testing.T) {
	w := newWiring(t)
	id := w.resources.MintLocalResource(&greeter{}, resource.KindRefObject, w.server.ID())

	w.handler.Handle(w.server, wire.ReleaseMsg{ResourceID: id})

	if _, ok := w.resources.LookupLocalResource(id); ok {
		t.Fatal("expected resource to be released")
	}
}
