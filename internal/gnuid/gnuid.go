// Package gnuid implements the 128-bit opaque identifiers PCP uses for
// sessions, channels and broadcast credentials.
package gnuid

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GnuID is a 128-bit identifier. The zero value is distinguished: it never
// names a real session, channel or credential.
type GnuID [16]byte

// Zero is the distinguished empty identifier.
var Zero GnuID

// New returns a fresh random identifier.
func New() GnuID {
	return GnuID(uuid.New())
}

// FromBytes copies a 16-byte slice into a GnuID.
func FromBytes(b []byte) (GnuID, error) {
	var id GnuID
	if len(b) != 16 {
		return id, fmt.Errorf("gnuid: need 16 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Parse reads a 32-character hex string, with or without uuid-style dashes.
func Parse(s string) (GnuID, error) {
	var id GnuID
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(s) != 32 {
		return id, fmt.Errorf("gnuid: bad length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("gnuid: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

func (id GnuID) IsZero() bool {
	return id == Zero
}

// String renders the identifier as 32 uppercase hex characters, the form
// PeerCast directories publish.
func (id GnuID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// Bytes returns a copy of the raw 16 bytes.
func (id GnuID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// MarshalJSON encodes the identifier as its hex string form.
func (id GnuID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts the hex string form.
func (id *GnuID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
