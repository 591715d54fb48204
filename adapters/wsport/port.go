// Package wsport is the WebSocket Port adapter: the network-facing
// counterpart to adapters/memport, carrying Nexus traffic over a real
// gorilla/websocket connection instead of an in-process socketpair.
// Grounded on the teacher's websocket plumbing (share/server.go's
// upgrader, share/client.go's dialer, share/server_handler.go's upgrade
// handshake), generalized from "one SSH byte stream per connection" to
// "one binary message per Port.PostMessage" since Nexus frames its own
// messages and needs no further multiplexing underneath.
package wsport

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/c-w-xiaohei/nexus/pkg/port"
)

// Port wraps a *websocket.Conn as a port.Port. Every PostMessage becomes
// one binary WebSocket message; gorilla/websocket already preserves
// message boundaries, so no length-prefix framing is needed here (unlike
// adapters/memport, which frames a raw net.Conn byte stream).
type Port struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	onMessage func([]byte)
	onDisconn func(error)
	closeOnce sync.Once
}

// NewPort wraps an already-established *websocket.Conn (from either
// websocket.Upgrader.Upgrade on the accept side or websocket.Dialer.Dial
// on the connect side) as a port.Port and starts its read loop.
func NewPort(conn *websocket.Conn) *Port {
	p := &Port{conn: conn}
	go p.readLoop()
	return p
}

func (p *Port) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.fireDisconnect(normalizeCloseError(err))
			return
		}
		p.mu.Lock()
		cb := p.onMessage
		p.mu.Unlock()
		if cb != nil {
			cb(data)
		}
	}
}

func normalizeCloseError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (p *Port) fireDisconnect(err error) {
	p.mu.Lock()
	cb := p.onDisconn
	p.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// PostMessage implements port.Port. transferList is ignored: WebSocket
// frames carry bytes, not transferable handles. Writes are serialized
// with a mutex since gorilla/websocket forbids concurrent writers.
func (p *Port) PostMessage(data []byte, _ [][]byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

// OnMessage implements port.Port.
func (p *Port) OnMessage(cb func([]byte)) {
	p.mu.Lock()
	p.onMessage = cb
	p.mu.Unlock()
}

// OnDisconnect implements port.Port.
func (p *Port) OnDisconnect(cb func(error)) {
	p.mu.Lock()
	p.onDisconn = cb
	p.mu.Unlock()
}

// Close implements port.Port. Idempotent.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
	})
	return err
}

var _ port.Port = (*Port)(nil)
