// Package payload implements the reference-passing algebra: sanitize
// (outbound) recursively walks a value, interning functions and ref-wrapped
// objects as local resources and replacing them with wire placeholders;
// revive (inbound) is its inverse, minting capability proxies for resource
// placeholders and rebuilding Map/Set/BigInt values.
package payload

import "math/big"

// undefinedValue is the sentinel for the host language's "undefined",
// distinct from JSON null (represented by a plain Go nil).
type undefinedValue struct{}

// Undefined is the canonical value that sanitizes to the U placeholder.
var Undefined = undefinedValue{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// MapEntry is one key/value pair of an OrderedMap, preserving insertion
// order the way a JS Map would.
type MapEntry struct {
	Key   interface{}
	Value interface{}
}

// OrderedMap is the Go representation of a JS Map: sanitizes to the M
// placeholder, carrying its entries JSON-serialized.
type OrderedMap struct {
	Entries []MapEntry
}

// SetValue is the Go representation of a JS Set: sanitizes to the S
// placeholder.
type SetValue struct {
	Entries []interface{}
}

// BigInt wraps an arbitrary-precision integer: sanitizes to the N placeholder.
type BigInt struct {
	*big.Int
}

// NewBigInt wraps v as a payload BigInt.
func NewBigInt(v *big.Int) BigInt { return BigInt{v} }

// Callback is the canonical shape a Go function value must have to be
// interned as a function resource by sanitize. args have already been
// revived; the return value is sanitized before being sent back.
type Callback func(args []interface{}) (interface{}, error)

// refWrapper tags an object as pass-by-reference: sanitize interns it as a
// ref-object resource instead of recursing into its fields.
type refWrapper struct {
	Value interface{}
}

// Ref wraps obj so sanitize captures it as a resource (pass-by-reference)
// instead of copying its structure across the wire.
func Ref(obj interface{}) interface{} {
	return refWrapper{Value: obj}
}

// IsRef reports whether v was wrapped with Ref, returning the wrapped value.
func IsRef(v interface{}) (interface{}, bool) {
	w, ok := v.(refWrapper)
	if !ok {
		return nil, false
	}
	return w.Value, true
}
