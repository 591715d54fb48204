package configwatch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
)

func writeDescriptors(t *testing.T, path string, named map[string]conn.Descriptor) {
	t.Helper()
	data, err := json.Marshal(named)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatchLoadsInitialContentsSynchronously(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descriptors.json")
	writeDescriptors(t, path, map[string]conn.Descriptor{
		"alpha": {"role": "worker"},
	})

	var mu sync.Mutex
	got := map[string]conn.Descriptor{}
	w, err := Watch(nexuslog.Nop("test"), path, func(name string, d conn.Descriptor) {
		mu.Lock()
		got[name] = d
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if got["alpha"]["role"] != "worker" {
		t.Fatalf("got %#v, want alpha.role=worker", got)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descriptors.json")
	writeDescriptors(t, path, map[string]conn.Descriptor{
		"alpha": {"role": "worker"},
	})

	var mu sync.Mutex
	got := map[string]conn.Descriptor{}
	w, err := Watch(nexuslog.Nop("test"), path, func(name string, d conn.Descriptor) {
		mu.Lock()
		got[name] = d
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Stop()

	writeDescriptors(t, path, map[string]conn.Descriptor{
		"beta": {"role": "gateway"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		_, ok := got["beta"]
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for reload to observe beta")
}

func TestStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descriptors.json")
	writeDescriptors(t, path, map[string]conn.Descriptor{})

	w, err := Watch(nexuslog.Nop("test"), path, func(string, conn.Descriptor) {})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
