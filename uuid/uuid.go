// Package uuid wraps github.com/google/uuid behind the small surface the
// server identity and request tagging code needs.
package uuid

import guuid "github.com/google/uuid"

// UUID is a 128 bit id. It is comparable and usable as a map key.
type UUID guuid.UUID

// Nil is the zero UUID, treated as absent.
var Nil UUID

// New returns a random (version 4) UUID.
func New() UUID {
	return UUID(guuid.New())
}

// Parse accepts the canonical "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx" form
// and the urn:uuid: prefixed variant.
func Parse(s string) (UUID, error) {
	u, err := guuid.Parse(s)
	return UUID(u), err
}

func (u UUID) String() string {
	return guuid.UUID(u).String()
}
