package nexus

import (
	"time"

	"github.com/c-w-xiaohei/nexus/pkg/conn"
)

// Expects selects how Create/CreateMulticast settle a call against more
// than one matched connection.
type Expects string

const (
	// ExpectOne requires exactly one target; anything else is a targeting
	// error. The default for Create.
	ExpectOne Expects = "one"
	// ExpectFirst resolves with the first fulfilled value, or (if every
	// target rejects) the first rejection's error.
	ExpectFirst Expects = "first"
	// ExpectAll collects every settled result from a multicast call.
	ExpectAll Expects = "all"
	// ExpectStream streams settled results as they arrive.
	ExpectStream Expects = "stream"
)

// Token names a remote capability (a path under an exposed service) and
// carries its own default addressing and call shape, so call sites don't
// repeat {target, expects, timeout} at every call. A zero-value Token's
// Path is meaningless; always build one with NewToken.
type Token struct {
	// Path is the dot-path this token calls into, e.g. []string{"svc", "method"}.
	Path []string

	// DefaultTarget is used when a call site supplies no explicit target.
	// The zero Target defers to the target-resolution precedence chain in
	// Nexus.resolveTarget.
	DefaultTarget conn.Target

	// Expects is the default call shape; a call site's CallOptions.Expects, if
	// non-empty, overrides it.
	Expects Expects

	// Timeout is the default per-call timeout; zero defers to
	// callproc.DefaultTimeout.
	Timeout time.Duration
}

// NewToken builds a Token addressed at path with no default target,
// defaulting to ExpectOne.
func NewToken(path ...string) Token {
	return Token{Path: path, Expects: ExpectOne}
}

// WithTarget returns a copy of t whose default target is target.
func (t Token) WithTarget(target conn.Target) Token {
	t.DefaultTarget = target
	return t
}

// WithExpects returns a copy of t whose default call shape is expects.
func (t Token) WithExpects(expects Expects) Token {
	t.Expects = expects
	return t
}

// WithTimeout returns a copy of t whose default timeout is d.
func (t Token) WithTimeout(d time.Duration) Token {
	t.Timeout = d
	return t
}

// CallOptions overrides a Token's defaults for one call.
type CallOptions struct {
	Target  conn.Target
	Expects Expects
	Timeout time.Duration
}

// resolveTarget implements the target-resolution precedence chain: (1) an
// explicit target on the call options, (2) the token's default target,
// (3) exactly one configured connectTo descriptor used unambiguously, else
// (4) a no-target/ambiguity error.
func (n *Nexus) resolveTarget(token Token, opts CallOptions) (conn.Target, error) {
	if !opts.Target.IsEmpty() {
		return opts.Target, nil
	}
	if !token.DefaultTarget.IsEmpty() {
		return token.DefaultTarget, nil
	}
	return n.soleConnectTarget()
}

func (t Token) resolveExpects(opts CallOptions) Expects {
	if opts.Expects != "" {
		return opts.Expects
	}
	if t.Expects != "" {
		return t.Expects
	}
	return ExpectOne
}

func (t Token) resolveTimeout(opts CallOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return t.Timeout
}
