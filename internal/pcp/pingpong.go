package pcp

import (
	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/atom"
	"github.com/pcpgo/pcpcast/internal/gnuid"
)

// PingAtoms builds the minimal outbound probe sequence: the pcp\0 magic
// followed by a helo carrying only the prober's session id. Declared
// ports ride along when set.
func PingAtoms(sessionID gnuid.GnuID, port, pingPort *uint16) []atom.Atom {
	kids := []atom.Atom{atom.Child(IDHeloSessionID, sessionID.Bytes())}
	if port != nil {
		kids = append(kids, atom.ChildU16(IDHeloPort, *port))
	}
	if pingPort != nil {
		kids = append(kids, atom.ChildU16(IDHeloPing, *pingPort))
	}
	return []atom.Atom{ConnectAtom(), atom.Parent(IDHelo, kids...)}
}

// ParsePing reads a probe helo: unlike a full session helo only the
// session id is required.
func ParsePing(a atom.Atom) (gnuid.GnuID, error) {
	if a.ID() != IDHelo || !a.IsParent() {
		return gnuid.Zero, errors.Wrapf(atom.ErrID, "ping: got %s", a)
	}
	for _, c := range a.Children() {
		if c.IsParent() {
			return gnuid.Zero, errors.Wrapf(atom.ErrValue, "ping: nested parent %s", c.ID())
		}
		if c.ID() == IDHeloSessionID {
			id, err := gnuidField(c)
			if err != nil {
				return gnuid.Zero, err
			}
			return *id, nil
		}
	}
	return gnuid.Zero, errors.Wrap(atom.ErrNotFound, "ping: session id required")
}

// PongAtom builds the oleh echo a probe expects.
func PongAtom(sessionID gnuid.GnuID) atom.Atom {
	return atom.Parent(IDOleh, atom.Child(IDHeloSessionID, sessionID.Bytes()))
}

// ParsePong reads the oleh echo, returning the responder's session id.
func ParsePong(a atom.Atom) (gnuid.GnuID, error) {
	o, err := ParseOleh(a)
	if err != nil {
		return gnuid.Zero, err
	}
	return o.SessionID, nil
}
