// Package ids defines the branded identifier types shared by the sync
// server and client engine. All of them are opaque, non-empty strings; the
// branding exists purely to stop a StoreID and an OwnerID from being
// silently swapped at a call site.
package ids

import (
	"errors"
	"strings"
)

// OwnerID identifies the authenticated identity that owns a store.
type OwnerID string

// StoreID identifies a per-owner, per-device-family event log partition.
// StoreID must be a UUIDv7 string.
type StoreID string

// EventID is the client-assigned idempotency key for one sync event.
type EventID string

// ScopeID identifies a membership/role unit in the sharing ledger.
type ScopeID string

// ResourceID identifies an encrypted application object granted to a scope.
type ResourceID string

// GrantID globally identifies one ResourceGrant row.
type GrantID string

// EnvelopeID identifies one KeyEnvelope row.
type EnvelopeID string

// UserID identifies a user for the per-user KeyVaultRecord stream.
type UserID string

// ErrEmpty is returned by Validate when an identifier is the empty string.
var ErrEmpty = errors.New("ids: identifier must not be empty")

// ErrNotUUIDv7 is returned by ValidateUUIDv7 when the string is not a
// well-formed UUIDv7 (RFC 9562 version field == 7, variant field == RFC4122).
var ErrNotUUIDv7 = errors.New("ids: not a well-formed UUIDv7")

// Validate rejects the empty string. Every branded ID type in this package
// is otherwise opaque.
func Validate(s string) error {
	if s == "" {
		return ErrEmpty
	}
	return nil
}

// ValidateUUIDv7 checks that s has the textual shape of a UUID with version
// nibble 7 and an RFC 4122 variant, without pulling in a UUID-generation
// dependency purely for validation. Cryptographic uniqueness of the value is
// the caller's concern; this only rejects malformed StoreIDs at the HTTP
// boundary.
func ValidateUUIDv7(s string) error {
	if len(s) != 36 {
		return ErrNotUUIDv7
	}
	hexGroups := []struct{ start, end int }{
		{0, 8}, {9, 13}, {14, 18}, {19, 23}, {24, 36},
	}
	for i, g := range hexGroups {
		if i > 0 && s[g.start-1] != '-' {
			return ErrNotUUIDv7
		}
		for _, c := range s[g.start:g.end] {
			if !isHex(c) {
				return ErrNotUUIDv7
			}
		}
	}
	if s[14] != '7' {
		return ErrNotUUIDv7
	}
	variant := strings.ToLower(s[19:20])
	switch variant {
	case "8", "9", "a", "b":
	default:
		return ErrNotUUIDv7
	}
	return nil
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
