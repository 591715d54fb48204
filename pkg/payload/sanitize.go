package payload

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/pkg/resource"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// Sanitizer recursively converts values into their wire-safe form ahead of
// serialization, interning functions and ref-wrapped objects as local
// resources owned by the message's destination connection.
type Sanitizer struct {
	resources *resource.Manager
}

// NewSanitizer builds a Sanitizer that mints resources into resources.
func NewSanitizer(resources *resource.Manager) *Sanitizer {
	return &Sanitizer{resources: resources}
}

// Sanitize converts v for transmission to targetConnectionID. Primitives,
// strings, arrays, and plain maps pass through (recursively sanitized);
// Undefined, Callback, ref-wrapped objects, OrderedMap, SetValue, and
// BigInt become their respective wire placeholders.
func (s *Sanitizer) Sanitize(v interface{}, targetConnectionID string) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case undefinedValue:
		return wire.MakePlaceholder(wire.KindUndefined, ""), nil
	case string:
		if wire.NeedsEscape(val) {
			return wire.EscapeString(val), nil
		}
		return val, nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return val, nil
	case BigInt:
		if val.Int == nil {
			return nil, nexuserr.New(nexuserr.KindUsage, "nil BigInt value")
		}
		return wire.MakePlaceholder(wire.KindBigInt, val.String()), nil
	case OrderedMap:
		return s.sanitizeMap(val, targetConnectionID)
	case SetValue:
		return s.sanitizeSet(val, targetConnectionID)
	case Callback:
		id := s.resources.MintLocalResource(val, resource.KindFunction, targetConnectionID)
		return wire.MakePlaceholder(wire.KindResource, id), nil
	case refWrapper:
		id := s.resources.MintLocalResource(val.Value, resource.KindRefObject, targetConnectionID)
		return wire.MakePlaceholder(wire.KindResource, id), nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			sv, err := s.Sanitize(elem, targetConnectionID)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			sv, err := s.Sanitize(elem, targetConnectionID)
			if err != nil {
				return nil, err
			}
			out[k] = sv
		}
		return out, nil
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return nil, nil
			}
			rv = rv.Elem()
		}
		if rv.Kind() == reflect.Struct {
			return s.sanitizeStruct(rv, targetConnectionID)
		}
		return nil, nexuserr.New(nexuserr.KindProtocol, "value of type %T is outside the sanitizable type set", v)
	}
}

// sanitizeStruct treats a plain Go struct the way §4.7 requires class
// instances be treated: its prototype is lost by design, so it walks only
// the exported fields into a map[string]interface{} (keyed by the
// lower-camel-case form exportedName in pkg/dispatch reverses) and
// recurses into each value.
func (s *Sanitizer) sanitizeStruct(rv reflect.Value, targetConnectionID string) (interface{}, error) {
	t := rv.Type()
	out := make(map[string]interface{}, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		sv, err := s.Sanitize(rv.Field(i).Interface(), targetConnectionID)
		if err != nil {
			return nil, err
		}
		out[unexportedName(field.Name)] = sv
	}
	return out, nil
}

func unexportedName(name string) string {
	if name == "" {
		return name
	}
	r := []rune(name)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

func (s *Sanitizer) sanitizeMap(m OrderedMap, targetConnectionID string) (interface{}, error) {
	entries := make([][2]interface{}, len(m.Entries))
	for i, e := range m.Entries {
		k, err := s.Sanitize(e.Key, targetConnectionID)
		if err != nil {
			return nil, err
		}
		v, err := s.Sanitize(e.Value, targetConnectionID)
		if err != nil {
			return nil, err
		}
		entries[i] = [2]interface{}{k, v}
	}
	blob, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("payload: encoding map entries: %w", err)
	}
	return wire.MakePlaceholder(wire.KindMap, string(blob)), nil
}

func (s *Sanitizer) sanitizeSet(set SetValue, targetConnectionID string) (interface{}, error) {
	entries := make([]interface{}, len(set.Entries))
	for i, e := range set.Entries {
		v, err := s.Sanitize(e, targetConnectionID)
		if err != nil {
			return nil, err
		}
		entries[i] = v
	}
	blob, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("payload: encoding set entries: %w", err)
	}
	return wire.MakePlaceholder(wire.KindSet, string(blob)), nil
}
