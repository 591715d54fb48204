package nexus

import (
	"testing"
	"time"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
)

func descriptorTarget(d conn.Descriptor) conn.Target {
	return conn.Target{Descriptor: d}
}

// TestResolveTargetPrecedence pins the four-step chain documented on
// resolveTarget: explicit call option, then token default, then the sole
// configured connectTo descriptor, then an ambiguity/no-target error.
func TestResolveTargetPrecedence(t *testing.T) {
	explicit := descriptorTarget(conn.Descriptor{"via": "opts"})
	tokenDefault := descriptorTarget(conn.Descriptor{"via": "token"})
	sole := conn.ConnectEntry{Descriptor: conn.Descriptor{"via": "sole"}}

	t.Run("explicit option wins over everything", func(t *testing.T) {
		n := &Nexus{connectTo: []conn.ConnectEntry{sole}}
		tok := NewToken("svc", "m").WithTarget(tokenDefault)

		got, err := n.resolveTarget(tok, CallOptions{Target: explicit})
		if err != nil {
			t.Fatalf("resolveTarget: %v", err)
		}
		if got.Descriptor["via"] != "opts" {
			t.Fatalf("target = %#v, want the explicit option's descriptor", got)
		}
	})

	t.Run("token default wins when no explicit option", func(t *testing.T) {
		n := &Nexus{connectTo: []conn.ConnectEntry{sole}}
		tok := NewToken("svc", "m").WithTarget(tokenDefault)

		got, err := n.resolveTarget(tok, CallOptions{})
		if err != nil {
			t.Fatalf("resolveTarget: %v", err)
		}
		if got.Descriptor["via"] != "token" {
			t.Fatalf("target = %#v, want the token's default descriptor", got)
		}
	})

	t.Run("sole connectTo descriptor used when nothing else is set", func(t *testing.T) {
		n := &Nexus{connectTo: []conn.ConnectEntry{sole}}
		tok := NewToken("svc", "m")

		got, err := n.resolveTarget(tok, CallOptions{})
		if err != nil {
			t.Fatalf("resolveTarget: %v", err)
		}
		if got.Descriptor["via"] != "sole" {
			t.Fatalf("target = %#v, want the sole connectTo descriptor", got)
		}
	})

	t.Run("no target and no connectTo is an error", func(t *testing.T) {
		n := &Nexus{}
		tok := NewToken("svc", "m")

		_, err := n.resolveTarget(tok, CallOptions{})
		if err == nil {
			t.Fatal("resolveTarget: expected an error, got nil")
		}
		if !nexuserr.OfKind(err, nexuserr.KindTargeting) {
			t.Fatalf("error = %v, want kind %v", err, nexuserr.KindTargeting)
		}
	})

	t.Run("more than one connectTo descriptor is ambiguous", func(t *testing.T) {
		n := &Nexus{connectTo: []conn.ConnectEntry{sole, {Descriptor: conn.Descriptor{"via": "other"}}}}
		tok := NewToken("svc", "m")

		_, err := n.resolveTarget(tok, CallOptions{})
		if err == nil {
			t.Fatal("resolveTarget: expected an ambiguity error, got nil")
		}
		if !nexuserr.OfKind(err, nexuserr.KindTargeting) {
			t.Fatalf("error = %v, want kind %v", err, nexuserr.KindTargeting)
		}
	})
}

// TestTokenResolveExpects pins Token.resolveExpects' precedence: a per-call
// Expects override beats the token's own default, which beats ExpectOne.
func TestTokenResolveExpects(t *testing.T) {
	cases := []struct {
		name string
		tok  Token
		opts CallOptions
		want Expects
	}{
		{"call option overrides token default", NewToken("a").WithExpects(ExpectAll), CallOptions{Expects: ExpectFirst}, ExpectFirst},
		{"token default used when call option is empty", NewToken("a").WithExpects(ExpectAll), CallOptions{}, ExpectAll},
		{"falls back to ExpectOne when neither is set", Token{Path: []string{"a"}}, CallOptions{}, ExpectOne},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tok.resolveExpects(tc.opts); got != tc.want {
				t.Fatalf("resolveExpects = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestTokenResolveTimeout pins Token.resolveTimeout's precedence: a positive
// per-call timeout overrides the token's own default, which itself may be
// zero (deferring further to callproc.DefaultTimeout downstream).
func TestTokenResolveTimeout(t *testing.T) {
	cases := []struct {
		name string
		tok  Token
		opts CallOptions
		want time.Duration
	}{
		{"call option overrides token default", NewToken("a").WithTimeout(2 * time.Second), CallOptions{Timeout: 7 * time.Second}, 7 * time.Second},
		{"token default used when call option is zero", NewToken("a").WithTimeout(2 * time.Second), CallOptions{}, 2 * time.Second},
		{"zero call option does not override a positive token default", NewToken("a").WithTimeout(2 * time.Second), CallOptions{Timeout: 0}, 2 * time.Second},
		{"both zero defers downstream", NewToken("a"), CallOptions{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tok.resolveTimeout(tc.opts); got != tc.want {
				t.Fatalf("resolveTimeout = %v, want %v", got, tc.want)
			}
		})
	}
}
