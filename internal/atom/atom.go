// Package atom implements the PCP atom codec: a self-describing
// little-endian tree framing used for every control message on the wire.
//
// Each atom starts with an 8-byte header: a 4-byte ASCII tag followed by a
// 32-bit little-endian size word. The top bit of the size word marks a
// parent atom; the low 31 bits carry the length. A child's length is its
// payload byte count, a parent's length is its immediate child count.
package atom

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Decode/parse failure classes. Callers classify with errors.Is.
var (
	// ErrID marks an atom whose tag is not the one expected in context.
	ErrID = errors.New("atom: unexpected id")
	// ErrValue marks a malformed payload or a wrong parent/child shape.
	ErrValue = errors.New("atom: malformed value")
	// ErrNotFound marks a required child atom that is absent.
	ErrNotFound = errors.New("atom: required child missing")
	// ErrNeedMore is returned by Decode when the buffer holds only a
	// prefix of a complete atom.
	ErrNeedMore = errors.New("atom: need more bytes")
)

const (
	headerLen = 8

	// parentFlag is the top bit of the size word.
	parentFlag = 0x80000000
	lengthMask = 0x7FFFFFFF

	// maxDepth bounds nesting; protocol convention stays at <= 4.
	maxDepth = 16

	// maxChildren bounds a parent's declared child count so a hostile
	// header can't pin the reader in an endless fill loop.
	maxChildren = 8192
)

// MaxPayload caps a single child payload. Larger payloads decode as ErrValue.
var MaxPayload = 1 << 20

// ID is a 4-byte ASCII atom tag. Short tags are NUL padded on the wire.
type ID [4]byte

// MakeID builds an ID from up to 4 ASCII characters, NUL padding the rest.
func MakeID(s string) ID {
	var id ID
	copy(id[:], s)
	return id
}

func (id ID) String() string {
	out := make([]byte, 0, 4)
	for _, b := range id {
		if b == 0 {
			break
		}
		if b < 0x20 || b > 0x7e {
			b = '?'
		}
		out = append(out, b)
	}
	return string(out)
}

// Atom is either a child (tag + payload bytes) or a parent (tag + ordered
// child atoms). The zero Atom is an empty child with a zero tag.
type Atom struct {
	id       ID
	parent   bool
	payload  []byte
	children []Atom
}

// Child builds a payload-carrying atom.
func Child(id ID, payload []byte) Atom {
	return Atom{id: id, payload: payload}
}

// Parent builds an atom holding an ordered child sequence.
func Parent(id ID, children ...Atom) Atom {
	return Atom{id: id, parent: true, children: children}
}

func (a Atom) ID() ID         { return a.id }
func (a Atom) IsParent() bool { return a.parent }
func (a Atom) IsChild() bool  { return !a.parent }

// Payload returns the child payload; nil for parents.
func (a Atom) Payload() []byte { return a.payload }

// Children returns the ordered child atoms; nil for childs.
func (a Atom) Children() []Atom { return a.children }

// FindChild returns the first immediate child with the given tag.
func (a Atom) FindChild(id ID) (Atom, bool) {
	for _, c := range a.children {
		if c.id == id {
			return c, true
		}
	}
	return Atom{}, false
}

func (a Atom) String() string {
	if a.parent {
		return fmt.Sprintf("%s[%d children]", a.id, len(a.children))
	}
	return fmt.Sprintf("%s[%d bytes]", a.id, len(a.payload))
}

// EncodedLen is the exact number of bytes Encode emits for a.
func (a Atom) EncodedLen() int {
	if !a.parent {
		return headerLen + len(a.payload)
	}
	n := headerLen
	for _, c := range a.children {
		n += c.EncodedLen()
	}
	return n
}

func putHeader(dst []byte, id ID, parent bool, length int) {
	copy(dst, id[:])
	size := uint32(length) & lengthMask
	if parent {
		size |= parentFlag
	}
	binary.LittleEndian.PutUint32(dst[4:], size)
}
