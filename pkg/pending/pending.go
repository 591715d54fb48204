// Package pending implements the pending-call manager: bookkeeping for one
// outbound call's expected responses, correlating them by message id,
// aggregating into a settled-result array for the "all" strategy or
// streaming them for the "stream" strategy, and handling timeout and
// disconnect fallout.
package pending

import (
	"sync"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
)

// Strategy selects how a call's settled results are delivered.
type Strategy int

const (
	// StrategyCollect accumulates every settled result into an array,
	// resolved once complete, on timeout (partial), or when every target
	// has disconnected.
	StrategyCollect Strategy = iota
	// StrategyStream pushes each settled result onto a channel as it
	// arrives, closing it under the same completion conditions.
	StrategyStream
)

// Settled is one target's outcome: either a fulfilled value or a rejection.
type Settled struct {
	OK    bool
	Value interface{}
	Err   error
	From  string
}

// Call is the handle returned by Register; callers await it with Wait (for
// StrategyCollect) or consume Stream (for StrategyStream).
type Call struct {
	MessageID string
	Strategy  Strategy

	mgr       *Manager
	mu        sync.Mutex
	remaining map[string]bool
	total     int
	collected []Settled
	streamCh  chan Settled
	done      chan struct{}
	finished  bool
	finalErr  error
	timer     *time.Timer
}

// Wait blocks until the call completes (every target settled, the deadline
// elapsed, or — for a single-target call — that target disconnected) and
// returns the results collected so far. err is non-nil only for a
// single-target call whose sole target disconnected before responding.
func (c *Call) Wait() ([]Settled, error) {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collected, c.finalErr
}

// Stream returns the channel settled results are pushed to as they arrive.
// It is closed when the call completes. Only meaningful for StrategyStream.
func (c *Call) Stream() <-chan Settled { return c.streamCh }

// Done reports whether the call has fully settled.
func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) finishLocked(err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.finalErr = err
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.streamCh != nil {
		close(c.streamCh)
	}
	close(c.done)
}

// Manager correlates outbound calls by message id and drives their
// completion as responses, timeouts, and disconnects arrive.
type Manager struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// New builds an empty Manager.
func New() *Manager {
	return &Manager{calls: make(map[string]*Call)}
}

// Register creates and stores a Call for messageID, addressed to
// targetConnectionIDs, completing no later than timeout from now.
func (m *Manager) Register(messageID string, strategy Strategy, targetConnectionIDs []string, timeout time.Duration) *Call {
	remaining := make(map[string]bool, len(targetConnectionIDs))
	for _, id := range targetConnectionIDs {
		remaining[id] = true
	}
	c := &Call{
		MessageID: messageID,
		Strategy:  strategy,
		mgr:       m,
		remaining: remaining,
		total:     len(targetConnectionIDs),
		done:      make(chan struct{}),
	}
	if strategy == StrategyStream {
		c.streamCh = make(chan Settled, len(targetConnectionIDs))
	} else {
		c.collected = make([]Settled, 0, len(targetConnectionIDs))
	}

	m.mu.Lock()
	m.calls[messageID] = c
	m.mu.Unlock()

	if len(targetConnectionIDs) == 0 {
		c.mu.Lock()
		c.finishLocked(nil)
		c.mu.Unlock()
	} else {
		c.timer = time.AfterFunc(timeout, func() { m.timeout(messageID) })
	}
	return c
}

func (m *Manager) get(messageID string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[messageID]
}

func (m *Manager) forget(messageID string) {
	m.mu.Lock()
	delete(m.calls, messageID)
	m.mu.Unlock()
}

// Settle records one target's outcome. No-op if the call is unknown
// (already completed, timed out, or never registered) or that target
// already settled/disconnected.
func (m *Manager) Settle(messageID string, settled Settled) {
	c := m.get(messageID)
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.finished || !c.remaining[settled.From] {
		c.mu.Unlock()
		return
	}
	delete(c.remaining, settled.From)
	if c.Strategy == StrategyStream {
		c.streamCh <- settled
	} else {
		c.collected = append(c.collected, settled)
	}
	complete := len(c.remaining) == 0
	if complete {
		c.finishLocked(nil)
	}
	c.mu.Unlock()

	if complete {
		m.forget(messageID)
	}
}

func (m *Manager) timeout(messageID string) {
	c := m.get(messageID)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.finishLocked(nil)
	c.mu.Unlock()
	m.forget(messageID)
}

// OnDisconnect handles connectionID dropping out from under every
// outstanding call that targets it: a single-target call rejects
// immediately with a disconnected error, a multi-target call simply drops
// that target from the expected set and completes early if nothing remains.
func (m *Manager) OnDisconnect(connectionID string) {
	m.mu.Lock()
	affected := make([]*Call, 0)
	for _, c := range m.calls {
		c.mu.Lock()
		if c.remaining[connectionID] {
			affected = append(affected, c)
		}
		c.mu.Unlock()
	}
	m.mu.Unlock()

	for _, c := range affected {
		c.mu.Lock()
		if c.finished {
			c.mu.Unlock()
			continue
		}
		delete(c.remaining, connectionID)
		if c.total == 1 {
			c.finishLocked(nexuserr.New(nexuserr.KindDisconnected, "target %s disconnected before responding", connectionID))
		} else if len(c.remaining) == 0 {
			c.finishLocked(nil)
		}
		finished := c.finished
		c.mu.Unlock()
		if finished {
			m.forget(c.MessageID)
		}
	}
}
