package wire

import "strings"

// The payload placeholder grammar encodes extended types (resources,
// undefined, Map, Set, BigInt) as strings of the form
// PREFIX TYPE [':' PAYLOAD]. It is shared by both serializers but applied
// by the L3 payload processor (pkg/payload), which is the only code that
// should construct or parse these strings against arbitrary user values.
const (
	// Prefix marks the start of a placeholder. Chosen from the C0 control
	// range so it can never appear in ordinary user text by accident.
	Prefix = '\x01'
	// Escape is prepended to a user string that would otherwise be
	// confused with a placeholder (i.e. one that starts with Prefix or
	// Escape itself).
	Escape = '\x02'

	KindResource byte = 'R'
	KindUndefined byte = 'U'
	KindMap       byte = 'M'
	KindSet       byte = 'S'
	KindBigInt    byte = 'N'
)

// MakePlaceholder builds the wire string for an extended-type value.
func MakePlaceholder(kind byte, payload string) string {
	if payload == "" {
		return string([]byte{Prefix, kind})
	}
	return string([]byte{Prefix, kind}) + ":" + payload
}

// ParsePlaceholder reports whether s is a placeholder, and if so its kind
// and payload (payload is "" if there was no ':'-separated part).
func ParsePlaceholder(s string) (kind byte, payload string, ok bool) {
	if len(s) < 2 || s[0] != Prefix {
		return 0, "", false
	}
	kind = s[1]
	rest := s[2:]
	if len(rest) > 0 && rest[0] == ':' {
		payload = rest[1:]
	} else if len(rest) != 0 {
		// malformed: kind byte must be followed by ':' or end of string
		return 0, "", false
	}
	return kind, payload, true
}

// NeedsEscape reports whether s begins with a byte that would be confused
// with the placeholder grammar.
func NeedsEscape(s string) bool {
	if s == "" {
		return false
	}
	return s[0] == Prefix || s[0] == Escape
}

// EscapeString prefixes s with Escape if it would otherwise collide with the
// placeholder grammar. The escape law this maintains: UnescapeString(EscapeString(s)) == s
// for every s, and values that never needed escaping pass through unchanged.
func EscapeString(s string) string {
	if NeedsEscape(s) {
		return string(Escape) + s
	}
	return s
}

// UnescapeString reverses EscapeString.
func UnescapeString(s string) string {
	if strings.HasPrefix(s, string(Escape)) {
		return s[1:]
	}
	return s
}
