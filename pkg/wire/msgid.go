package wire

// MessageID extracts the correlation id of a message, if it has one.
// RELEASE and IDENTITY_UPDATE are uncorrelated and always return nil.
func MessageID(msg Message) *string {
	switch m := msg.(type) {
	case GetMsg:
		return &m.ID
	case SetMsg:
		return &m.ID
	case ApplyMsg:
		return &m.ID
	case ResMsg:
		return &m.ID
	case ErrMsg:
		return &m.ID
	case BatchMsg:
		return &m.ID
	case BatchResMsg:
		return &m.ID
	case HandshakeReqMsg:
		return &m.ID
	case HandshakeAckMsg:
		return &m.ID
	case HandshakeRejectMsg:
		return &m.ID
	default:
		return nil
	}
}
