// Package port implements L1 framing on top of a raw message channel: the
// Port contract every platform adapter must satisfy, and a Processor that
// sits between a Port and the rest of Nexus, serializing logical wire
// messages to packets and splitting/reassembling packets too large for a
// single post.
package port

// Port is the minimal contract a platform adapter (postMessage-style worker
// channel, WebSocket, in-process pipe, ...) must implement to carry Nexus
// traffic. A Port moves opaque byte packets; everything above this layer is
// serialization-agnostic.
type Port interface {
	// PostMessage sends one packet. transferList, when non-nil, names byte
	// slices within data's production that the adapter may move instead of
	// copy (mirrors structured-clone transferable semantics); adapters that
	// don't support transfer simply ignore it.
	PostMessage(data []byte, transferList [][]byte) error

	// OnMessage registers the callback invoked for each inbound packet.
	// Replaces any previously registered callback.
	OnMessage(cb func(data []byte))

	// OnDisconnect registers the callback invoked once, when the underlying
	// channel is lost. err is nil for a clean local Close.
	OnDisconnect(cb func(err error))

	// Close tears down the underlying channel. Idempotent.
	Close() error
}

// Capabilities describes what a Port's underlying transport supports, so
// higher layers can pick a compatible Serializer and decide whether
// transferList hints are worth constructing.
type Capabilities struct {
	// SupportsBinary is true if the adapter can carry arbitrary binary
	// packets. Nexus does not read it: serializer choice follows
	// SupportsTransferables (see Options.Transferable).
	SupportsBinary bool

	// SupportsTransferables is true if PostMessage's transferList is
	// honored rather than ignored.
	SupportsTransferables bool
}
