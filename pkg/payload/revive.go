package payload

import (
	"encoding/json"
	"math/big"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/pkg/capproxy"
	"github.com/c-w-xiaohei/nexus/pkg/resource"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// Reviver is sanitize's inverse: it rebuilds placeholders encountered in an
// inbound value back into their in-memory shape, minting a capability
// proxy for every resource placeholder it sees.
type Reviver struct {
	resources *resource.Manager
	proxies   *capproxy.Factory
}

// NewReviver builds a Reviver that registers minted proxies into resources
// and constructs them through proxies.
func NewReviver(resources *resource.Manager, proxies *capproxy.Factory) *Reviver {
	return &Reviver{resources: resources, proxies: proxies}
}

// Revive converts v, received from sourceConnectionID, back into its
// in-memory shape.
func (r *Reviver) Revive(v interface{}, sourceConnectionID string) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return r.reviveString(val, sourceConnectionID)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			rv, err := r.Revive(elem, sourceConnectionID)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			rv, err := r.Revive(elem, sourceConnectionID)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	default:
		return val, nil
	}
}

func (r *Reviver) reviveString(s string, sourceConnectionID string) (interface{}, error) {
	kind, payload, ok := wire.ParsePlaceholder(s)
	if !ok {
		return wire.UnescapeString(s), nil
	}

	switch kind {
	case wire.KindUndefined:
		return Undefined, nil
	case wire.KindResource:
		proxy := r.proxies.NewResourceProxy(sourceConnectionID, payload)
		r.resources.RegisterRemoteProxy(payload, proxy, sourceConnectionID)
		return proxy, nil
	case wire.KindMap:
		return r.reviveMap(payload, sourceConnectionID)
	case wire.KindSet:
		return r.reviveSet(payload, sourceConnectionID)
	case wire.KindBigInt:
		n, ok := new(big.Int).SetString(payload, 10)
		if !ok {
			return nil, nexuserr.New(nexuserr.KindProtocol, "malformed bigint placeholder %q", payload)
		}
		return BigInt{n}, nil
	default:
		return nil, nexuserr.New(nexuserr.KindProtocol, "unknown placeholder kind %q", string(kind))
	}
}

func (r *Reviver) reviveMap(payload string, sourceConnectionID string) (interface{}, error) {
	var raw [][2]interface{}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindProtocol, err, "decoding map placeholder")
	}
	entries := make([]MapEntry, len(raw))
	for i, pair := range raw {
		k, err := r.Revive(pair[0], sourceConnectionID)
		if err != nil {
			return nil, err
		}
		v, err := r.Revive(pair[1], sourceConnectionID)
		if err != nil {
			return nil, err
		}
		entries[i] = MapEntry{Key: k, Value: v}
	}
	return OrderedMap{Entries: entries}, nil
}

func (r *Reviver) reviveSet(payload string, sourceConnectionID string) (interface{}, error) {
	var raw []interface{}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindProtocol, err, "decoding set placeholder")
	}
	entries := make([]interface{}, len(raw))
	for i, e := range raw {
		v, err := r.Revive(e, sourceConnectionID)
		if err != nil {
			return nil, err
		}
		entries[i] = v
	}
	return SetValue{Entries: entries}, nil
}
