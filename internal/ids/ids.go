// Package ids generates the prefixed identifiers used throughout Cortex's
// data model (evt_, out_, turn_, lease_), each a v4 UUID in hex-with-dashes
// form behind a stable prefix.
package ids

import "github.com/google/uuid"

func newPrefixed(prefix string) string {
	return prefix + uuid.NewString()
}

// Event returns a new inbox message identifier.
func Event() string { return newPrefixed("evt_") }

// Outbox returns a new outbox message identifier.
func Outbox() string { return newPrefixed("out_") }

// Turn returns a new conversation turn identifier.
func Turn() string { return newPrefixed("turn_") }

// Lease returns a new opaque lease token.
func Lease() string { return newPrefixed("lease_") }
