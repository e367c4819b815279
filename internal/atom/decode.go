package atom

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Decode parses one complete atom from the front of buf. It returns the
// atom and the number of bytes consumed. While buf holds only a strict
// prefix of an atom, Decode returns ErrNeedMore and never a partial parse.
func Decode(buf []byte) (Atom, int, error) {
	return decode(buf, 0)
}

func decode(buf []byte, depth int) (Atom, int, error) {
	if depth > maxDepth {
		return Atom{}, 0, errors.Wrap(ErrValue, "nesting too deep")
	}
	if len(buf) < headerLen {
		return Atom{}, 0, ErrNeedMore
	}

	var id ID
	copy(id[:], buf[:4])
	size := binary.LittleEndian.Uint32(buf[4:headerLen])
	isParent := size&parentFlag != 0
	length := int(size & lengthMask)

	if !isParent {
		if length > MaxPayload {
			return Atom{}, 0, errors.Wrapf(ErrValue, "%s payload %d exceeds cap", id, length)
		}
		if len(buf) < headerLen+length {
			return Atom{}, 0, ErrNeedMore
		}
		payload := make([]byte, length)
		copy(payload, buf[headerLen:headerLen+length])
		return Child(id, payload), headerLen + length, nil
	}

	if length > maxChildren {
		return Atom{}, 0, errors.Wrapf(ErrValue, "%s declares %d children", id, length)
	}
	children := make([]Atom, 0, length)
	off := headerLen
	for i := 0; i < length; i++ {
		child, n, err := decode(buf[off:], depth+1)
		if err != nil {
			return Atom{}, 0, err
		}
		children = append(children, child)
		off += n
	}
	return Parent(id, children...), off, nil
}

// ReadAtom consumes exactly one atom from r, buffering through buf. Bytes
// past the atom stay in buf for the next call, so a single socket read
// that straddles two atoms loses nothing.
func ReadAtom(r io.Reader, buf *bytes.Buffer) (Atom, error) {
	chunk := make([]byte, 4096)
	for {
		a, n, err := Decode(buf.Bytes())
		if err == nil {
			buf.Next(n)
			return a, nil
		}
		if !errors.Is(err, ErrNeedMore) {
			return Atom{}, err
		}
		k, rerr := r.Read(chunk)
		if k > 0 {
			buf.Write(chunk[:k])
			continue
		}
		if rerr == nil {
			rerr = io.ErrNoProgress
		}
		if rerr == io.EOF && buf.Len() > 0 {
			rerr = io.ErrUnexpectedEOF
		}
		return Atom{}, rerr
	}
}

// DecodeString reads a child payload as UTF-8, stripping exactly one
// trailing NUL if present.
func DecodeString(a Atom) (string, error) {
	if a.IsParent() {
		return "", errors.Wrapf(ErrValue, "%s: string from parent", a.ID())
	}
	p := a.Payload()
	if len(p) > 0 && p[len(p)-1] == 0 {
		p = p[:len(p)-1]
	}
	return string(p), nil
}

// DecodeU8 reads a 1-byte payload.
func DecodeU8(a Atom) (uint8, error) {
	if a.IsParent() || len(a.Payload()) != 1 {
		return 0, errors.Wrapf(ErrValue, "%s: want 1 byte", a.ID())
	}
	return a.Payload()[0], nil
}

// DecodeU16 reads a little-endian 2-byte payload.
func DecodeU16(a Atom) (uint16, error) {
	if a.IsParent() || len(a.Payload()) != 2 {
		return 0, errors.Wrapf(ErrValue, "%s: want 2 bytes", a.ID())
	}
	return binary.LittleEndian.Uint16(a.Payload()), nil
}

// DecodeU32 reads a little-endian 4-byte payload.
func DecodeU32(a Atom) (uint32, error) {
	if a.IsParent() || len(a.Payload()) != 4 {
		return 0, errors.Wrapf(ErrValue, "%s: want 4 bytes", a.ID())
	}
	return binary.LittleEndian.Uint32(a.Payload()), nil
}

// DecodeI32 reads a little-endian signed 4-byte payload.
func DecodeI32(a Atom) (int32, error) {
	u, err := DecodeU32(a)
	return int32(u), err
}

// DecodeBytes16 reads a raw 16-byte payload (GnuID form).
func DecodeBytes16(a Atom) ([]byte, error) {
	if a.IsParent() || len(a.Payload()) != 16 {
		return nil, errors.Wrapf(ErrValue, "%s: want 16 bytes", a.ID())
	}
	out := make([]byte, 16)
	copy(out, a.Payload())
	return out, nil
}

// DecodeIPv4 reads a 4-byte IPv4 payload. IPv4 addresses are the one
// big-endian value in PCP: the payload is already in network order.
func DecodeIPv4(a Atom) ([4]byte, error) {
	var ip [4]byte
	if a.IsParent() || len(a.Payload()) != 4 {
		return ip, errors.Wrapf(ErrValue, "%s: want 4 bytes", a.ID())
	}
	copy(ip[:], a.Payload())
	return ip, nil
}
