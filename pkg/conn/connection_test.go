package conn

import (
	"sync"
	"testing"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/port"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// fakePort is a minimal in-process Port used to pair two Connections
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

func TestConnectionHandshakeReachesReady(t *testing.T) {
	logger := nexuslog.Nop("test")
	a, b := newFakePortPair()
	pa := port.New(logger, a, port.Options{})
	pb := port.New(logger, b, port.Options{})

	readyA := make(chan struct{})
	readyB := make(chan struct{})

	clientSide := NewConnection(logger, pa, nil, true, Identity{"role": "client"}, nil, Callbacks{
		OnReady: func(*Connection) { close(readyA) },
	})
	serverSide := NewConnection(logger, pb, nil, false, Identity{"role": "server"}, nil, Callbacks{
		OnReady: func(*Connection) { close(readyB) },
	})

	clientSide.Begin()

	select {
	case <-readyA:
	case <-time.After(time.Second):
		t.Fatal("client side never reached ready")
	}
	select {
	case <-readyB:
	case <-time.After(time.Second):
		t.Fatal("server side never reached ready")
	}

	if got := clientSide.Identity()["role"]; got != "server" {
		t.Fatalf("client-side remote identity = %v, want server", got)
	}
	if got := serverSide.Identity()["role"]; got != "client" {
		t.Fatalf("server-side remote identity = %v, want client", got)
	}
}

func TestConnectionRejectsHandshakeByPolicy(t *testing.T) {
	logger := nexuslog.Nop("test")
	a, b := newFakePortPair()
	pa := port.New(logger, a, port.Options{})
	pb := port.New(logger, b, port.Options{})

	client := NewConnection(logger, pa, nil, true, Identity{"role": "client"}, nil, Callbacks{})
	rejectDone := make(chan struct{})
	NewConnection(logger, pb, nil, false, Identity{"role": "server"}, &Policy{
		CanConnect: func(Identity, PlatformMetadata) bool { return false },
	}, Callbacks{})
	client.Begin()

	go func() {
		client.WaitShutdown()
		close(rejectDone)
	}()

	select {
	case <-rejectDone:
	case <-time.After(time.Second):
		t.Fatal("expected client connection to shut down after rejection")
	}
}

func TestDescriptorMatches(t *testing.T) {
	d := Descriptor{"context": "content-script", "tabId": float64(7)}
	match := Identity{"context": "content-script", "tabId": float64(7), "isActive": true}
	if !d.Matches(match) {
		t.Fatal("expected descriptor to match superset identity")
	}
	mismatch := Identity{"context": "content-script", "tabId": float64(8)}
	if d.Matches(mismatch) {
		t.Fatal("expected descriptor not to match differing tabId")
	}
}

func TestConnectionSendMessagePropagates(t *testing.T) {
	logger := nexuslog.Nop("test")
	a, b := newFakePortPair()
	pa := port.New(logger, a, port.Options{})
	pb := port.New(logger, b, port.Options{})

	received := make(chan wire.Message, 1)
	readyA := make(chan struct{})

	clientSide := NewConnection(logger, pa, nil, true, Identity{}, nil, Callbacks{
		OnReady: func(*Connection) { close(readyA) },
	})
	NewConnection(logger, pb, nil, false, Identity{}, nil, Callbacks{
		OnMessage: func(_ *Connection, msg wire.Message) { received <- msg },
	})
	clientSide.Begin()

	<-readyA
	if err := clientSide.Send(wire.GetMsg{ID: "1", Path: []string{"svc"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if _, ok := msg.(wire.GetMsg); !ok {
			t.Fatalf("got %T, want GetMsg", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}
