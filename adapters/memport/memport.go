// Package memport is the in-process Port adapter: two Ports backed by a
// real OS-level socketpair rather than a hand-rolled channel shim, so test
// and loopback-demo code exercises the same read/write/close edge cases a
// real transport would hit. Mirrors the teacher's loop endpoints
// (share/loop_stub_endpoint.go, share/socks_skeleton_endpoint.go), which
// use the identical github.com/prep/socketpair primitive to bridge two
// local callers without a network round trip.
package memport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/prep/socketpair"

	"github.com/c-w-xiaohei/nexus/pkg/port"
)

// Port wraps one half of a socketpair as a port.Port, framing packets with
// a 4-byte big-endian length prefix since net.Conn carries a raw byte
// stream with no message boundaries of its own.
type Port struct {
	conn net.Conn

	mu        sync.Mutex
	onMessage func([]byte)
	onDisconn func(error)
	closeOnce sync.Once
}

// New builds a pair of Ports connected to each other in-process, suitable
// as a conn.ListenEndpoint/DialEndpoint pair in tests or local demos.
func New() (*Port, *Port, error) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, err
	}
	pa := &Port{conn: a}
	pb := &Port{conn: b}
	go pa.readLoop()
	go pb.readLoop()
	return pa, pb, nil
}

func (p *Port) readLoop() {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(p.conn, header); err != nil {
			p.fireDisconnect(normalizeEOF(err))
			return
		}
		size := binary.BigEndian.Uint32(header)
		body := make([]byte, size)
		if _, err := io.ReadFull(p.conn, body); err != nil {
			p.fireDisconnect(normalizeEOF(err))
			return
		}
		p.mu.Lock()
		cb := p.onMessage
		p.mu.Unlock()
		if cb != nil {
			cb(body)
		}
	}
}

func normalizeEOF(err error) error {
	if err == io.EOF {
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

// PostMessage implements port.Port. transferList is ignored: a socketpair
// carries bytes, not transferable handles.
func (p *Port) PostMessage(data []byte, _ [][]byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := p.conn.Write(header); err != nil {
		return err
	}
	_, err := p.conn.Write(data)
	return err
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
