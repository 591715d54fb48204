// Package resource implements L3's three registries: exposed services,
// locally-held resources (functions and ref-wrapped objects captured by
// sanitize), and remote-proxy records mirroring what the peer holds on our
// behalf. Lookups, inserts and releases are O(1) by hash, while
// CleanupConnection scans every entry; resource ids are minted from a
// monotonic counter and never reused.
package resource

import (
	"sync"
	"sync/atomic"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
)

// Kind distinguishes why a local resource was interned.
type Kind int

const (
	// KindFunction is a callback captured during sanitize.
	KindFunction Kind = iota
	// KindRefObject is an explicitly ref-wrapped object captured during sanitize.
	KindRefObject
)

// LocalResource is an entry owned by the connection that received the
// proxy pointing at it. Target is the underlying function or object value.
type LocalResource struct {
	ID               string
	Target           interface{}
	Kind             Kind
	OwnerConnectionID string
}

// RemoteProxyRecord mirrors a LocalResource from the opposite side: it is
// this process's record that a proxy exists, backed by a resource minted
// by sourceConnectionId's peer.
type RemoteProxyRecord struct {
	ID                 string
	Proxy              interface{}
	SourceConnectionID string
}

// ExposedService is a named object reachable as the root of a GET/SET/APPLY
// path. Lifetime equals the owning Nexus instance's lifetime.
type ExposedService struct {
	Name   string
	Object interface{}
}

var idSeq int64

func nextResourceID() string {
	n := atomic.AddInt64(&idSeq, 1)
	return "res-" + itoaResource(n)
}

func itoaResource(n int64) string {
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

// Manager owns the three registries. It is safe for concurrent use.
type Manager struct {
	logger nexuslog.Logger

	mu        sync.RWMutex
	services  map[string]*ExposedService
	resources map[string]*LocalResource
	proxies   map[string]*RemoteProxyRecord
}

// New builds an empty Manager.
func New(logger nexuslog.Logger) *Manager {
	return &Manager{
		logger:    logger.Fork("resources"),
		services:  make(map[string]*ExposedService),
		resources: make(map[string]*LocalResource),
		proxies:   make(map[string]*RemoteProxyRecord),
	}
}

// ExposeService registers object under name, reachable as the root segment
// of GET/SET/APPLY paths. A duplicate name overwrites the previous
// registration with a warning rather than an error.
func (m *Manager) ExposeService(name string, object interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[name]; exists {
		m.logger.WLogf("service %q re-registered, replacing previous object", name)
	}
	m.services[name] = &ExposedService{Name: name, Object: object}
}

// LookupService returns the object registered under name, if any.
func (m *Manager) LookupService(name string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return nil, false
	}
	return svc.Object, true
}

// MintLocalResource interns target as a new local resource owned by
// ownerConnectionID and returns its freshly-minted id.
func (m *Manager) MintLocalResource(target interface{}, kind Kind, ownerConnectionID string) string {
	id := nextResourceID()
	m.mu.Lock()
	m.resources[id] = &LocalResource{ID: id, Target: target, Kind: kind, OwnerConnectionID: ownerConnectionID}
	m.mu.Unlock()
	return id
}

// LookupLocalResource returns the resource registered under id, if any.
func (m *Manager) LookupLocalResource(id string) (*LocalResource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	return r, ok
}

// ReleaseLocalResource drops the resource unconditionally. Idempotent.
func (m *Manager) ReleaseLocalResource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
}

// RegisterRemoteProxy records that proxy mirrors the resource identified by
// id on sourceConnectionID's side.
func (m *Manager) RegisterRemoteProxy(id string, proxy interface{}, sourceConnectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxies[id] = &RemoteProxyRecord{ID: id, Proxy: proxy, SourceConnectionID: sourceConnectionID}
}

// LookupRemoteProxy returns the proxy record for id, if any.
func (m *Manager) LookupRemoteProxy(id string) (*RemoteProxyRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.proxies[id]
	return r, ok
}

// ReleaseRemoteProxy drops the proxy record unconditionally. Idempotent.
func (m *Manager) ReleaseRemoteProxy(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.proxies, id)
}

// CleanupConnection removes every local resource owned by, and every
// remote-proxy record sourced from, connectionID. Local resources are
// removed first, then remote proxies, so a handler racing the cleanup
// never attempts to release a remote proxy whose local counterpart has
// already vanished underneath it.
func (m *Manager) CleanupConnection(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.resources {
		if r.OwnerConnectionID == connectionID {
			delete(m.resources, id)
		}
	}
	for id, r := range m.proxies {
		if r.SourceConnectionID == connectionID {
			delete(m.proxies, id)
		}
	}
}
