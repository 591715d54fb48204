// Package conn implements L2: logical connection lifecycle (handshake,
// identity, disconnect) and the connection manager that keeps a registry of
// them and resolves a unicast/broadcast target down to the connections that
// should carry it.
package conn

// Identity is the application-defined record a peer presents at handshake
// (e.g. {"context": "content-script", "tabId": 7}). The core treats it as
// opaque except through Descriptor/Matcher.
type Identity map[string]interface{}

// Clone returns a shallow copy, safe to mutate without affecting the original.
func (id Identity) Clone() Identity {
	out := make(Identity, len(id))
	for k, v := range id {
		out[k] = v
	}
	return out
}

// Merge returns a copy of id with patch's keys overlaid on top.
func (id Identity) Merge(patch Identity) Identity {
	out := id.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Descriptor is a structural subset of an Identity used to find or create a
// connection: a candidate identity matches iff every key in the descriptor
// equals the corresponding key of the identity.
type Descriptor map[string]interface{}

// Matches reports whether every key/value in d is present and equal in id.
func (d Descriptor) Matches(id Identity) bool {
	for k, v := range d {
		if candidate, ok := id[k]; !ok || !deepEqual(candidate, v) {
			return false
		}
	}
	return true
}

// Matcher is a predicate over an Identity, used to select among already
// existing connections rather than to dial a new one.
type Matcher func(id Identity) bool

// PlatformMetadata is channel-level provenance the platform adapter attaches
// at handshake time (e.g. tab id, frame id, process kind). Immutable for
// the lifetime of the connection that carries it.
type PlatformMetadata map[string]interface{}

func deepEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqual(v, bv[k]) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
