package port

import (
	"sync"
	"testing"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// fakePort is one end of an in-process pair (newFakePortPair) so Processor
// pairs can be tested without a real transport. Packets are delivered to
// the peer synchronously, in send order.
type fakePort struct {
	mu         sync.Mutex
	peer       *fakePort
	onMessage  func([]byte)
	onDisconn  func(error)
	closed     bool
}

func newFakePortPair() (*fakePort, *fakePort) {
	a := &fakePort{}
	b := &fakePort{}
	a.peer = b
	b.peer = a
	return a, b
}

func (f *fakePort) PostMessage(data []byte, transferList [][]byte) error {
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()
	cp := append([]byte(nil), data...)
	peer.mu.Lock()
	cb := peer.onMessage
	peer.mu.Unlock()
	if cb != nil {
		cb(cp)
	}
	return nil
}

func (f *fakePort) OnMessage(cb func(data []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = cb
}

func (f *fakePort) OnDisconnect(cb func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconn = cb
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cb := f.onDisconn
	f.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
	return nil
}

func TestProcessorRoundTripSmallMessage(t *testing.T) {
	a, b := newFakePortPair()
	logger := nexuslog.Nop("test")

	pa := New(logger, a, Options{Serializer: wire.NewJSONSerializer()})
	pb := New(logger, b, Options{Serializer: wire.NewJSONSerializer()})
	defer pa.Close()
	defer pb.Close()

	received := make(chan wire.Message, 1)
	pb.SetCallbacks(Callbacks{OnMessage: func(msg wire.Message) { received <- msg }})

	id := "42"
	if err := pa.Send(wire.GetMsg{ID: id, Path: []string{"foo", "bar"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		got, ok := msg.(wire.GetMsg)
		if !ok {
			t.Fatalf("got %T, want GetMsg", msg)
		}
		if got.ID != id || len(got.Path) != 2 || got.Path[0] != "foo" || got.Path[1] != "bar" {
			t.Fatalf("unexpected message: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestProcessorChunksLargePacket(t *testing.T) {
	a, b := newFakePortPair()
	logger := nexuslog.Nop("test")

	pa := New(logger, a, Options{Serializer: wire.NewJSONSerializer(), ChunkSize: 64})
	pb := New(logger, b, Options{Serializer: wire.NewJSONSerializer(), ChunkSize: 64})
	defer pa.Close()
	defer pb.Close()

	received := make(chan wire.Message, 1)
	pb.SetCallbacks(Callbacks{OnMessage: func(msg wire.Message) { received <- msg }})

	bigValue := make([]interface{}, 0, 200)
	for i := 0; i < 200; i++ {
		bigValue = append(bigValue, "padding-value-to-force-chunking")
	}
	if err := pa.Send(wire.ApplyMsg{ID: "1", Path: []string{"m"}, Args: bigValue}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		got, ok := msg.(wire.ApplyMsg)
		if !ok {
			t.Fatalf("got %T, want ApplyMsg", msg)
		}
		if len(got.Args) != len(bigValue) {
			t.Fatalf("got %d args, want %d", len(got.Args), len(bigValue))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled message")
	}
}

func TestReassemblerReapsStaleSessions(t *testing.T) {
	r := newReassembler(time.Millisecond)
	r.start("s1", 2)
	time.Sleep(5 * time.Millisecond)
	if n := r.reap(time.Now()); n != 1 {
		t.Fatalf("reap() = %d, want 1", n)
	}
	if _, ok := r.data("s1", 0, []byte("x")); ok {
		t.Fatal("expected reaped session to be gone")
	}
}
