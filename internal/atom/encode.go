package atom

import (
	"encoding/binary"
	"io"
)

// Encode renders a as its full wire form.
func Encode(a Atom) []byte {
	return appendAtom(make([]byte, 0, a.EncodedLen()), a)
}

func appendAtom(dst []byte, a Atom) []byte {
	hdr := make([]byte, headerLen)
	if a.IsParent() {
		putHeader(hdr, a.id, true, len(a.children))
		dst = append(dst, hdr...)
		for _, c := range a.children {
			dst = appendAtom(dst, c)
		}
		return dst
	}
	putHeader(hdr, a.id, false, len(a.payload))
	dst = append(dst, hdr...)
	return append(dst, a.payload...)
}

// Write emits a onto w with a single Write call. A short write is returned
// as w's error; the rest of the frame is not sent.
func Write(w io.Writer, a Atom) error {
	_, err := w.Write(Encode(a))
	return err
}

// WriteAll drains atoms onto w in order, stopping at the first error.
func WriteAll(w io.Writer, atoms []Atom) error {
	for _, a := range atoms {
		if err := Write(w, a); err != nil {
			return err
		}
	}
	return nil
}

// ChildString encodes a UTF-8 string payload with a single trailing NUL.
func ChildString(id ID, s string) Atom {
	p := make([]byte, 0, len(s)+1)
	p = append(p, s...)
	p = append(p, 0)
	return Child(id, p)
}

// ChildU8 encodes a 1-byte payload.
func ChildU8(id ID, v uint8) Atom {
	return Child(id, []byte{v})
}

// ChildU16 encodes a little-endian 2-byte payload.
func ChildU16(id ID, v uint16) Atom {
	p := make([]byte, 2)
	binary.LittleEndian.PutUint16(p, v)
	return Child(id, p)
}

// ChildU32 encodes a little-endian 4-byte payload.
func ChildU32(id ID, v uint32) Atom {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, v)
	return Child(id, p)
}

// ChildI32 encodes a little-endian signed 4-byte payload.
func ChildI32(id ID, v int32) Atom {
	return ChildU32(id, uint32(v))
}

// ChildIPv4 encodes an IPv4 address in network order (the one big-endian
// value in PCP).
func ChildIPv4(id ID, ip [4]byte) Atom {
	p := make([]byte, 4)
	copy(p, ip[:])
	return Child(id, p)
}
