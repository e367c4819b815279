package pcp

import (
	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/atom"
	"github.com/pcpgo/pcpcast/internal/gnuid"
)

// Helo is the parsed form of the helo atom a session opens with.
// Agent, Version and SessionID are mandatory; the rest self-declared.
type Helo struct {
	SessionID gnuid.GnuID
	Agent     string
	Version   uint32

	// Port is the peer's claimed listening port.
	Port *uint16
	// Ping asks the responder to probe back on this port.
	Ping *uint16
	// BroadcastID is the broadcaster credential; present on tracker sessions.
	BroadcastID *gnuid.GnuID
	// Disable carries the BAN marker.
	Disable *int32
}

// ParseHelo reads a helo parent atom. Missing any of agent, version or
// session id fails with atom.ErrNotFound.
func ParseHelo(a atom.Atom) (*Helo, error) {
	if a.ID() != IDHelo {
		return nil, errors.Wrapf(atom.ErrID, "helo: got %s", a.ID())
	}
	if !a.IsParent() {
		return nil, errors.Wrap(atom.ErrID, "helo: child atom")
	}

	var h Helo
	var agent *string
	var version *uint32
	var session *gnuid.GnuID
	for _, c := range a.Children() {
		if c.IsParent() {
			return nil, errors.Wrapf(atom.ErrValue, "helo: nested parent %s", c.ID())
		}
		var err error
		switch c.ID() {
		case IDHeloAgent:
			var s string
			if s, err = atom.DecodeString(c); err == nil {
				agent = &s
			}
		case IDHeloVersion:
			var v uint32
			if v, err = atom.DecodeU32(c); err == nil {
				version = &v
			}
		case IDHeloSessionID:
			session, err = gnuidField(c)
		case IDHeloPort:
			h.Port, err = u16Field(c)
		case IDHeloPing:
			h.Ping, err = u16Field(c)
		case IDHeloBcid:
			h.BroadcastID, err = gnuidField(c)
		case IDHeloDisable:
			h.Disable, err = i32Field(c)
		}
		if err != nil {
			return nil, err
		}
	}

	if agent == nil || version == nil || session == nil {
		return nil, errors.Wrap(atom.ErrNotFound, "helo: agent/version/session required")
	}
	h.Agent, h.Version, h.SessionID = *agent, *version, *session
	return &h, nil
}

// Atom renders h as a helo parent.
func (h *Helo) Atom() atom.Atom {
	kids := []atom.Atom{
		atom.ChildString(IDHeloAgent, h.Agent),
		atom.ChildU32(IDHeloVersion, h.Version),
		atom.Child(IDHeloSessionID, h.SessionID.Bytes()),
	}
	if h.Port != nil {
		kids = append(kids, atom.ChildU16(IDHeloPort, *h.Port))
	}
	if h.Ping != nil {
		kids = append(kids, atom.ChildU16(IDHeloPing, *h.Ping))
	}
	if h.BroadcastID != nil {
		kids = append(kids, atom.Child(IDHeloBcid, h.BroadcastID.Bytes()))
	}
	if h.Disable != nil {
		kids = append(kids, atom.ChildI32(IDHeloDisable, *h.Disable))
	}
	return atom.Parent(IDHelo, kids...)
}

// Oleh is the handshake reply: the responder's session id, plus the
// remote address as the responder observed it.
type Oleh struct {
	SessionID gnuid.GnuID
	RemoteIP  *[4]byte
	Port      *uint16
}

// ParseOleh reads an oleh parent atom; only the session id is required.
func ParseOleh(a atom.Atom) (*Oleh, error) {
	if a.ID() != IDOleh || !a.IsParent() {
		return nil, errors.Wrapf(atom.ErrID, "oleh: got %s", a)
	}
	var o Oleh
	var session *gnuid.GnuID
	for _, c := range a.Children() {
		if c.IsParent() {
			return nil, errors.Wrapf(atom.ErrValue, "oleh: nested parent %s", c.ID())
		}
		var err error
		switch c.ID() {
		case IDHeloSessionID:
			session, err = gnuidField(c)
		case IDHeloRemoteIP:
			var ip [4]byte
			if ip, err = atom.DecodeIPv4(c); err == nil {
				o.RemoteIP = &ip
			}
		case IDHeloPort:
			o.Port, err = u16Field(c)
		}
		if err != nil {
			return nil, err
		}
	}
	if session == nil {
		return nil, errors.Wrap(atom.ErrNotFound, "oleh: session id required")
	}
	o.SessionID = *session
	return &o, nil
}

// Atom renders o as an oleh parent.
func (o *Oleh) Atom() atom.Atom {
	kids := []atom.Atom{atom.Child(IDHeloSessionID, o.SessionID.Bytes())}
	if o.RemoteIP != nil {
		kids = append(kids, atom.ChildIPv4(IDHeloRemoteIP, *o.RemoteIP))
	}
	if o.Port != nil {
		kids = append(kids, atom.ChildU16(IDHeloPort, *o.Port))
	}
	return atom.Parent(IDOleh, kids...)
}

// ConnectAtom is the session magic: pcp\0 with the protocol revision.
func ConnectAtom() atom.Atom {
	return atom.ChildU32(IDConnect, ProtocolVersion)
}

// ParseConnect checks the magic atom and its revision.
func ParseConnect(a atom.Atom) error {
	if a.ID() != IDConnect || a.IsParent() {
		return errors.Wrapf(atom.ErrID, "connect: got %s", a)
	}
	v, err := atom.DecodeU32(a)
	if err != nil {
		return err
	}
	if v != ProtocolVersion {
		return errors.Wrapf(atom.ErrValue, "connect: revision %d", v)
	}
	return nil
}

func gnuidField(c atom.Atom) (*gnuid.GnuID, error) {
	raw, err := atom.DecodeBytes16(c)
	if err != nil {
		return nil, err
	}
	id, err := gnuid.FromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func u16Field(c atom.Atom) (*uint16, error) {
	v, err := atom.DecodeU16(c)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
