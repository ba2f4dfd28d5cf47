// Package id generates unique, time-sortable run identifiers.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"regexp"
	"time"
)

// runIDRe matches identifiers produced by NewRunID.
var runIDRe = regexp.MustCompile(`^r[0-9a-f]{12}[0-9a-f]{16}$`)

// NewRunID returns a unique, time-sortable run identifier.
//
// Format: "r" + 12-char hex timestamp (milliseconds since epoch) + 16-char
// hex random suffix, 29 characters total. IDs generated later in time sort
// lexicographically after earlier IDs; the random suffix ensures uniqueness
// across concurrent processes. now is injectable for deterministic tests.
func NewRunID(now time.Time) string {
	rb := make([]byte, 8)
	// crypto/rand.Read failing means the system has no entropy source;
	// there is no sensible recovery.
	if _, err := rand.Read(rb); err != nil {
		panic("id: crypto/rand read failed: " + err.Error())
	}
	return fmt.Sprintf("r%012x%016x", now.UnixMilli(), binary.BigEndian.Uint64(rb))
}

// IsRunID reports whether s has the shape of a NewRunID identifier.
func IsRunID(s string) bool {
	return runIDRe.MatchString(s)
}
