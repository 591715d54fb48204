// Package lifecycle provides ShutdownHelper, the one-shot async teardown
// primitive embedded into every independently-closable Nexus component:
// each port.Processor, pkg/conn.Connection, and adapters/*.ListenEndpoint
// owns its own helper and its own HandleOnceShutdown. There is no single
// coordinated shutdown sequence for a whole process here, and a helper
// never reaches into other components to cascade their shutdown itself —
// parents that care (pkg/conn.Manager's dialLoop and ResolveConnection)
// just select on a child's ShutdownDoneChan and react however they need
// to, which keeps the primitive small enough to reason about per
// component instead of across the whole connection graph.
package lifecycle

import (
	"sync"

	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
)

// OnceShutdownHandler is implemented by the object a ShutdownHelper manages.
type OnceShutdownHandler interface {
	// HandleOnceShutdown runs exactly once, in its own goroutine. completionError
	// is advisory; the returned error becomes the final status reported by
	// WaitShutdown.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by anything that can be asked to shut down
// and waited on. ShutdownHelper satisfies it, and so does every type that
// embeds one.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// ShutdownHelper manages single-fire async shutdown for an
// OnceShutdownHandler. Embed it and call InitShutdownHelper from the
// embedding type's constructor. Lock is also available as the embedding
// type's general-purpose mutex (port.Processor guards its callback set
// with it) so components that need a lock anyway don't need a second one.
type ShutdownHelper struct {
	nexuslog.Logger

	Lock sync.Mutex

	handler OnceShutdownHandler
	once    sync.Once

	startedChan chan struct{}
	doneChan    chan struct{}
	err         error
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger nexuslog.Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// StartShutdown schedules shutdown. completionErr is an advisory status (or
// nil) that HandleOnceShutdown may return as-is or override. Safe to call
// concurrently and more than once; only the first call has any effect.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.once.Do(func() {
		h.err = completionErr
		h.DLogf("shutdown started")
		close(h.startedChan)
		go func() {
			h.err = h.handler.HandleOnceShutdown(h.err)
			h.DLogf("shutdown done")
			close(h.doneChan)
		}()
	})
}

// IsStartedShutdown reports whether StartShutdown has taken effect.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	select {
	case <-h.startedChan:
		return true
	default:
		return false
	}
}

// IsDoneShutdown reports whether shutdown has completed.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	select {
	case <-h.doneChan:
		return true
	default:
		return false
	}
}

// ShutdownStartedChan returns a channel that is closed once StartShutdown
// has taken effect.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} { return h.startedChan }

// ShutdownDoneChan returns a channel that is closed once HandleOnceShutdown
// has returned and the final status is available.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} { return h.doneChan }

// WaitShutdown blocks until shutdown is done and returns the final status.
// It does not itself initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// Close starts shutdown with a nil advisory status, waits for it to
// complete, and returns the final status.
func (h *ShutdownHelper) Close() error {
	h.DLogf("Close()")
	h.StartShutdown(nil)
	return h.WaitShutdown()
}

var _ AsyncShutdowner = (*ShutdownHelper)(nil)
