// Package device defines the identity of a connected device.
package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a device. It is a comparable value type, so it can be used as a
// map key; equality is by the underlying UUID only.
type ID struct {
	u uuid.UUID
}

// New returns a random device ID.
func New() ID { return ID{u: uuid.New()} }

// FromUUID wraps an existing UUID.
func FromUUID(u uuid.UUID) ID { return ID{u: u} }

// Parse parses the canonical UUID text form (and the variants uuid.Parse accepts).
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return ID{}, fmt.Errorf("device id %q: %w", s, err)
	}
	if u == uuid.Nil {
		return ID{}, fmt.Errorf("device id %q: nil uuid", s)
	}
	return ID{u: u}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) UUID() uuid.UUID { return id.u }
func (id ID) IsZero() bool    { return id.u == uuid.Nil }
func (id ID) String() string  { return id.u.String() }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.u.String()), nil }

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
