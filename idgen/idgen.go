// Package idgen provides pluggable ID generation for telereply.
//
// Stores and sinks accept a Generator so the ID strategy is a startup-time
// decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short and URL-safe; use where UUIDv7 is too verbose (conversation keys,
// short-lived tokens).
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		b := make([]byte, length)
		if _, err := rand.Read(b); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i, c := range b {
			b[i] = alphabet[int(c)%len(alphabet)]
		}
		return string(b)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		id, err := uuid.NewV7()
		if err != nil {
			panic("idgen: uuid v7: " + err.Error())
		}
		return id.String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Used for type-scoped identifiers ("rule_", "acct_", "evt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// stampLayout is the UTC prefix used by Timestamped generators.
const stampLayout = "20060102T150405Z"

// Timestamped returns a Generator whose IDs start with a UTC timestamp,
// "20060102T150405Z_<suffix>", so exported artifacts sort by creation time.
func Timestamped(gen Generator) Generator {
	return func() string {
		return time.Now().UTC().Format(stampLayout) + "_" + gen()
	}
}

// Default is the project default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns it or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: parse %q: %w", s, err)
	}
	return u.String(), nil
}
