package port

import (
	"time"

	"github.com/jpillora/sizestr"

	"github.com/c-w-xiaohei/nexus/internal/lifecycle"
	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

const (
	// DefaultChunkSize is the largest packet a Processor will post whole
	// before splitting it into a CHUNK_START/CHUNK_DATA session.
	DefaultChunkSize = 64 * 1024

	// DefaultSessionTTL bounds how long an incomplete reassembly session is
	// kept before the janitor discards it.
	DefaultSessionTTL = 30 * time.Second

	defaultJanitorInterval = 5 * time.Second
)

// Callbacks are the logical-layer hooks a Processor drives. All are
// optional; a nil callback is simply not invoked.
type Callbacks struct {
	// OnMessage is invoked for every fully-received, fully-reassembled
	// logical message (CHUNK_START/CHUNK_DATA are consumed internally and
	// never surface here).
	OnMessage func(msg wire.Message)

	// OnDisconnect mirrors the underlying Port's disconnect callback.
	OnDisconnect func(err error)

	// OnProtocolError is invoked when an inbound packet, or a reassembled
	// chunk session, fails to deserialize. The Processor drops the
	// offending packet and keeps running. A CHUNK_DATA for an unknown
	// session is dropped without invoking it.
	OnProtocolError func(err error)
}

// Options configures a Processor. The zero value is valid and selects the
// defaults above.
type Options struct {
	Serializer   wire.Serializer
	ChunkSize    int
	SessionTTL   time.Duration
	Transferable bool
}

// Processor sits between one raw Port and the rest of Nexus. It serializes
// outbound logical messages, splitting any packet larger than ChunkSize
// into a chunk session, and deserializes inbound packets, reassembling
// chunk sessions back into logical messages before handing them to
// Callbacks.OnMessage.
type Processor struct {
	lifecycle.ShutdownHelper

	logger    nexuslog.Logger
	raw       Port
	ser       wire.Serializer
	chunkSize int
	transfer  bool
	reasm     *reassembler
	cb        Callbacks

	janitorDone chan struct{}
}

// New builds a Processor over raw using opts, and wires raw's callbacks
// immediately. SetCallbacks may be called before or after New returns;
// messages that arrive before SetCallbacks are silently dropped (this only
// happens if the adapter delivers synchronously during construction, which
// none of the shipped adapters do).
func New(logger nexuslog.Logger, raw Port, opts Options) *Processor {
	ser := opts.Serializer
	if ser == nil {
		if opts.Transferable {
			ser = wire.NewBinarySerializer()
		} else {
			ser = wire.NewJSONSerializer()
		}
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	p := &Processor{
		logger:      logger,
		raw:         raw,
		ser:         ser,
		chunkSize:   chunkSize,
		transfer:    opts.Transferable,
		reasm:       newReassembler(ttl),
		janitorDone: make(chan struct{}),
	}
	p.InitShutdownHelper(logger, p)

	raw.OnMessage(p.handleRawMessage)
	raw.OnDisconnect(p.handleDisconnect)

	go p.runJanitor(defaultJanitorInterval)
	return p
}

// SetCallbacks installs the logical-layer callbacks, replacing any prior set.
func (p *Processor) SetCallbacks(cb Callbacks) {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	p.cb = cb
}

func (p *Processor) callbacks() Callbacks {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	return p.cb
}

// Send serializes msg and posts it, splitting into a chunk session if the
// serialized packet exceeds the configured chunk size.
func (p *Processor) Send(msg wire.Message) error {
	packet, err := p.ser.Serialize(msg)
	if err != nil {
		return p.logger.Errorf("encoding %s: %v", msg.MessageType(), err)
	}
	if len(packet) <= p.chunkSize {
		return p.raw.PostMessage(packet, nil)
	}
	return p.sendChunked(msg, packet)
}

func (p *Processor) sendChunked(msg wire.Message, packet []byte) error {
	sessionID := wire.NewMessageID()
	chunks := splitBytes(packet, p.chunkSize)

	start := wire.ChunkStartMsg{
		SessionID:           sessionID,
		TotalChunks:         len(chunks),
		OriginalMessageID:   wire.MessageID(msg),
		OriginalMessageType: msg.MessageType(),
	}
	startPacket, err := p.ser.Serialize(start)
	if err != nil {
		return p.logger.Errorf("encoding chunk start for %s: %v", msg.MessageType(), err)
	}
	if err := p.raw.PostMessage(startPacket, nil); err != nil {
		return err
	}

	p.logger.DLogf("chunking %s into %d pieces (%s total)", msg.MessageType(), len(chunks), sizestr.ToString(int64(len(packet))))

	for i, chunk := range chunks {
		data := wire.ChunkDataMsg{SessionID: sessionID, ChunkIndex: i, ChunkData: chunk}
		dataPacket, err := p.ser.Serialize(data)
		if err != nil {
			return p.logger.Errorf("encoding chunk %d/%d for %s: %v", i, len(chunks), msg.MessageType(), err)
		}
		var transferList [][]byte
		if p.transfer {
			transferList = [][]byte{chunk}
		}
		if err := p.raw.PostMessage(dataPacket, transferList); err != nil {
			return err
		}
	}
	return nil
}

func splitBytes(b []byte, size int) [][]byte {
	n := (len(b) + size - 1) / size
	out := make([][]byte, 0, n)
	for off := 0; off < len(b); off += size {
		end := off + size
		if end > len(b) {
			end = len(b)
		}
		out = append(out, b[off:end])
	}
	return out
}

func (p *Processor) handleRawMessage(packet []byte) {
	msg, err := p.ser.Deserialize(packet)
	if err != nil {
		p.reportProtocolError(p.logger.Errorf("decoding inbound packet: %v", err))
		return
	}

	switch m := msg.(type) {
	case wire.ChunkStartMsg:
		p.reasm.start(m.SessionID, m.TotalChunks)
	case wire.ChunkDataMsg:
		assembled, ok := p.reasm.data(m.SessionID, m.ChunkIndex, m.ChunkData)
		if !ok {
			return
		}
		inner, err := p.ser.Deserialize(assembled)
		if err != nil {
			p.reportProtocolError(p.logger.Errorf("decoding reassembled packet (session %s): %v", m.SessionID, err))
			return
		}
		p.deliver(inner)
	default:
		p.deliver(msg)
	}
}

func (p *Processor) deliver(msg wire.Message) {
	if cb := p.callbacks().OnMessage; cb != nil {
		cb(msg)
	}
}

func (p *Processor) reportProtocolError(err error) {
	if cb := p.callbacks().OnProtocolError; cb != nil {
		cb(err)
	}
}

func (p *Processor) handleDisconnect(err error) {
	if cb := p.callbacks().OnDisconnect; cb != nil {
		cb(err)
	}
	p.StartShutdown(err)
}

func (p *Processor) runJanitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.reasm.reap(time.Now()); n > 0 {
				p.logger.DLogf("janitor dropped %d stale chunk session(s)", n)
			}
		case <-p.ShutdownStartedChan():
			close(p.janitorDone)
			return
		}
	}
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (p *Processor) HandleOnceShutdown(completionError error) error {
	err := p.raw.Close()
	<-p.janitorDone
	if completionError != nil {
		return completionError
	}
	return err
}
