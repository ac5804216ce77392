package store

import "github.com/google/uuid"

// NewID returns a time-sortable identifier (UUIDv7) so message id ordering
// matches chronological ordering, as spec §3 requires for Message.ID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/random source is broken;
		// fall back to a random v4 rather than panicking mid-turn.
		return uuid.NewString()
	}
	return id.String()
}
