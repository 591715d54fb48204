package wire

// Serializer translates between logical Messages and on-wire packets.
// Serializer errors are non-fatal to the channel: the port processor that
// owns a Serializer reports them through its protocol-error callback and
// drops the offending packet rather than tearing down the connection.
type Serializer interface {
	Serialize(msg Message) ([]byte, error)
	Deserialize(packet []byte) (Message, error)
}

// NewMessageID mints a correlation id for an outbound call. Callers that
// need one (call processor, handshake) use this rather than rolling their
// own counter so ids stay unique process-wide.
func NewMessageID() string {
	return newID()
}
