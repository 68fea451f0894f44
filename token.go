/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package uniqkit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProbeToken is the identifier of one uniqueness attempt.
// The same token is written into the probe column of every participating row,
// which is what makes claims of concurrent attempts distinguishable.
// It is built on a version-1 (time-based) UUID, so tokens are unique across
// processes and carry the creation time of the attempt.
type ProbeToken struct {
	id uuid.UUID
}

// NewProbeToken generates a fresh probe token.
func NewProbeToken() (ProbeToken, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return ProbeToken{}, fmt.Errorf("generate time-based uuid: %w", err)
	}
	return ProbeToken{id: id}, nil
}

// MustNewProbeToken generates a fresh probe token and panics if generation fails.
func MustNewProbeToken() ProbeToken {
	token, err := NewProbeToken()
	if err != nil {
		panic(err)
	}
	return token
}

// ParseProbeToken parses a token from its string form,
// e.g. read back from a committed claim column.
func ParseProbeToken(s string) (ProbeToken, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ProbeToken{}, fmt.Errorf("parse probe token: %w", err)
	}
	if id.Version() != 1 {
		return ProbeToken{}, fmt.Errorf("parse probe token: uuid version %d is not time-based", id.Version())
	}
	return ProbeToken{id: id}, nil
}

// String returns the canonical string form of the token.
func (t ProbeToken) String() string {
	return t.id.String()
}

// IsZero reports whether the token is unset.
func (t ProbeToken) IsZero() bool {
	return t.id == uuid.Nil
}

// Time returns the creation time encoded in the token.
func (t ProbeToken) Time() time.Time {
	sec, nsec := t.id.Time().UnixTime()
	return time.Unix(sec, nsec)
}
