package resource

import (
	"testing"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
)

func TestMintLocalResourceIDsAreUnique(t *testing.T) {
	m := New(nexuslog.Nop("test"))
	id1 := m.MintLocalResource(func() {}, KindFunction, "conn-1")
	id2 := m.MintLocalResource(func() {}, KindFunction, "conn-1")
	if id1 == id2 {
		t.Fatalf("expected distinct ids, got %q twice", id1)
	}
}

func TestExposeServiceOverwritesOnDuplicateName(t *testing.T) {
	m := New(nexuslog.Nop("test"))
	m.ExposeService("math", 1)
	m.ExposeService("math", 2)
	obj, ok := m.LookupService("math")
	if !ok || obj != 2 {
		t.Fatalf("LookupService = (%v, %v), want (2, true)", obj, ok)
	}
}

func TestCleanupConnectionRemovesOwnedEntriesOnly(t *testing.T) {
	m := New(nexuslog.Nop("test"))
	idA := m.MintLocalResource("a", KindFunction, "conn-a")
	idB := m.MintLocalResource("b", KindFunction, "conn-b")
	m.RegisterRemoteProxy("px-a", "proxy-a", "conn-a")
	m.RegisterRemoteProxy("px-b", "proxy-b", "conn-b")

	m.CleanupConnection("conn-a")

	if _, ok := m.LookupLocalResource(idA); ok {
		t.Fatal("expected conn-a's resource to be cleaned up")
	}
	if _, ok := m.LookupLocalResource(idB); !ok {
		t.Fatal("expected conn-b's resource to survive")
	}
	if _, ok := m.LookupRemoteProxy("px-a"); ok {
		t.Fatal("expected conn-a's proxy record to be cleaned up")
	}
	if _, ok := m.LookupRemoteProxy("px-b"); !ok {
		t.Fatal("expected conn-b's proxy record to survive")
	}
}

func TestReleaseLocalResourceIsIdempotent(t *testing.T) {
	m := New(nexuslog.Nop("test"))
	id := m.MintLocalResource("x", KindFunction, "conn-1")
	m.ReleaseLocalResource(id)
	m.ReleaseLocalResource(id)
	if _, ok := m.LookupLocalResource(id); ok {
		t.Fatal("expected resource to be gone after release")
	}
}
