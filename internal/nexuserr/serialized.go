package nexuserr

// Serialized is the wire shape of an error, per the external wire protocol:
// { name, code, message, cause?, stack? }. Cause recurses; a cycle in the
// cause chain (possible if a remote echoes an error back through a loop
// endpoint) is broken with CircularCauseName rather than recursing forever.
type Serialized struct {
	Name    string      `json:"name"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Cause   *Serialized `json:"cause,omitempty"`
	Stack   string      `json:"stack,omitempty"`
}

// CircularCauseName is substituted for a Serialized whose cause chain would
// otherwise revisit an error already on the chain.
const CircularCauseName = "CircularCauseError"

// Serialize converts a Go error into its wire Serialized form. Nexus
// *Error values preserve Kind as Code; arbitrary remote errors are wrapped
// with Kind KindRemote and the error's message. Recursion through the
// Unwrap chain stops at depth cycles or a max depth as a backstop.
func Serialize(err error) *Serialized {
	return serializeChain(err, make(map[error]bool), 0)
}

const maxCauseDepth = 32

func serializeChain(err error, seen map[error]bool, depth int) *Serialized {
	if err == nil {
		return nil
	}
	if seen[err] || depth >= maxCauseDepth {
		return &Serialized{Name: CircularCauseName, Code: string(KindProtocol), Message: "circular error cause chain"}
	}
	seen[err] = true

	var code string
	var name string
	var message string
	var cause error

	if e, ok := err.(*Error); ok {
		code = string(e.Kind)
		name = "NexusError"
		message = e.Message
		cause = e.Cause
	} else {
		code = string(KindRemote)
		name = "Error"
		message = err.Error()
		if u, ok := err.(interface{ Unwrap() error }); ok {
			cause = u.Unwrap()
		}
	}

	s := &Serialized{Name: name, Code: code, Message: message}
	if cause != nil {
		s.Cause = serializeChain(cause, seen, depth+1)
	}
	return s
}

// Deserialize reconstructs a Go error from a wire Serialized value,
// preserving the cause chain via Wrap. The reconstructed error's Kind is
// always KindRemote from the local side's perspective, since it arrived
// over a connection rather than being raised locally — except when Code
// names one of the taxonomy kinds, in which case that kind is preserved so
// callers can still use errors.Is against the original category.
func Deserialize(s *Serialized) error {
	if s == nil {
		return nil
	}
	kind := Kind(s.Code)
	switch kind {
	case KindUsage, KindConfiguration, KindTargeting, KindDisconnected, KindTimeout, KindProtocol, KindRemote, KindResource:
	default:
		kind = KindRemote
	}
	var cause error
	if s.Cause != nil {
		cause = Deserialize(s.Cause)
	}
	return &Error{Kind: kind, Message: s.Message, Cause: cause}
}
