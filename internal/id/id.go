// Package id produces the time-ordered message identifiers the queue
// sorts by. Identifiers are UUIDv7: 48 bits of unix milliseconds, then
// version/variant tags and random bits. Generation is monotone within a
// process; cross-process uniqueness is probabilistic and the engine
// retries inserts on the rare collision.
package id

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a fresh identifier in the canonical 8-4-4-4-12 form.
func New() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("id: generate: %w", err)
	}
	return u.String(), nil
}

// Parse validates s as a version-7 identifier and returns it normalized
// to lowercase canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("id: parse %q: %w", s, err)
	}
	if u.Version() != 7 {
		return "", fmt.Errorf("id: %q is version %d, want 7", s, u.Version())
	}
	return u.String(), nil
}

// Timestamp extracts the embedded enqueue instant, truncated to the
// millisecond the generator recorded.
func Timestamp(s string) (time.Time, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("id: parse %q: %w", s, err)
	}
	if u.Version() != 7 {
		return time.Time{}, fmt.Errorf("id: %q is version %d, want 7", s, u.Version())
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}
