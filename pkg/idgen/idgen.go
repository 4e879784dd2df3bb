// Package idgen generates the time-ordered 128-bit identifiers used
// throughout the gateway core (batch IDs, inference IDs, episode IDs).
//
// UUIDv7 embeds a millisecond timestamp in its high bits, so IDs generated
// later sort after IDs generated earlier -- this is what the data model
// means by "time-ordered 128-bit UUID" (spec.md §3, BatchRequest.batch_id).
package idgen

import "github.com/google/uuid"

// New returns a new time-ordered UUID.
func New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the global random reader errors; fall
		// back to a random (still unique, just not time-ordered) UUID
		// rather than propagating an error from every ID call site.
		return uuid.New()
	}
	return id
}

// Parse validates a client-supplied ID. The spec requires client-supplied
// per-row episode IDs to be "well-formed UUIDs" without requiring them to be
// time-ordered.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
