package memport

import (
	"sync"
	"testing"
	"time"
)

func TestPortRoundTripsMessages(t *testing.T) {
	a, b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.OnMessage(func(data []byte) { received <- data })

	if err := a.PostMessage([]byte("hello"), nil); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Fatalf("got %q, want %q", data, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPortFiresDisconnectOnClose(t *testing.T) {
	a, b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	var once sync.Once
	done := make(chan struct{})
	b.OnDisconnect(func(error) { once.Do(func() { close(done) }) })

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
}
