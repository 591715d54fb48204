package nexus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
	"github.com/c-w-xiaohei/nexus/pkg/pending"
	"github.com/c-w-xiaohei/nexus/pkg/port"
)

// fakePort and loopEndpoint mirror pkg/engine's test fixture of the same
// name: an in-memory port.Port pair wired directly through callbacks, with
// no real transport underneath, so these tests exercise Configure/Build and
// the Create/CreateMulticast facade without a socket.
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
func (f *fakePort) Close() error                { return nil }

var _ port.Port = (*fakePort)(nil)

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

func waitReady(t *testing.T, n *Nexus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range n.Connections() {
			if c.State() == conn.StateReady {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("connection never became ready")
}

func noneMatch(conn.Identity) bool { return false }

// buildConnectedPair starts a server and a client joined by an in-memory
// loopEndpoint, and waits for the client side to observe StateReady.
func buildConnectedPair(t *testing.T) (server, client *Nexus) {
	t.Helper()
	logger := nexuslog.Nop("test")
	ep := &loopEndpoint{}

	var err error
	server, err = Configure(Identity{"role": "server"}).
		WithLogger(logger).
		Listen(ep).
		Build()
	if err != nil {
		t.Fatalf("server Build: %v", err)
	}

	client, err = Configure(Identity{"role": "client"}).
		WithLogger(logger).
		ConnectTo(ep, conn.Descriptor{}).
		Build()
	if err != nil {
		t.Fatalf("client Build: %v", err)
	}

	waitReady(t, client)
	return server, client
}

// TestCreateMulticastZeroMatchPerStrategy pins CreateMulticast's strategy
// mapping (expectsToStrategy) for the one case expectsToOneOrFirst can't
// reach: a target that matches no connection at all. ExpectFirst/ExpectAll
// must settle without error (the regression pkg/callproc/callproc.go's
// broadcast previously had, where only StrategyOne should error on an empty
// match); ExpectStream must yield an already-closed, empty stream.
func TestCreateMulticastZeroMatchPerStrategy(t *testing.T) {
	_, client := buildConnectedPair(t)

	tok := NewToken("svc", "method")
	noMatchTarget := CallOptions{Target: conn.Target{Matcher: noneMatch}}

	t.Run("ExpectFirst", func(t *testing.T) {
		opts := noMatchTarget
		opts.Expects = ExpectFirst
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		result, err := client.CreateMulticast(ctx, tok, nil, opts)
		if err != nil {
			t.Fatalf("CreateMulticast: %v", err)
		}
		if result != nil {
			t.Fatalf("result = %v, want nil", result)
		}
	})

	t.Run("ExpectAll", func(t *testing.T) {
		opts := noMatchTarget
		opts.Expects = ExpectAll
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		result, err := client.CreateMulticast(ctx, tok, nil, opts)
		if err != nil {
			t.Fatalf("CreateMulticast: %v", err)
		}
		results, ok := result.([]pending.Settled)
		if !ok {
			t.Fatalf("result is %T, want []pending.Settled", result)
		}
		if len(results) != 0 {
			t.Fatalf("got %d results, want 0", len(results))
		}
	})

	t.Run("ExpectStream", func(t *testing.T) {
		opts := noMatchTarget
		opts.Expects = ExpectStream
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		result, err := client.CreateMulticast(ctx, tok, nil, opts)
		if err != nil {
			t.Fatalf("CreateMulticast: %v", err)
		}
		ch, ok := result.(<-chan pending.Settled)
		if !ok {
			t.Fatalf("result is %T, want a settlement stream", result)
		}
		select {
		case _, open := <-ch:
			if open {
				t.Fatal("stream yielded a value for a zero-match multicast")
			}
		case <-time.After(time.Second):
			t.Fatal("stream never closed")
		}
	})
}
