package pcp

import (
	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/atom"
	"github.com/pcpgo/pcpcast/internal/gnuid"
)

// PacketType distinguishes the pkt payloads a channel stream carries.
type PacketType string

const (
	PacketHead PacketType = "head"
	PacketData PacketType = "data"
	PacketMeta PacketType = "meta"
)

// ChannelPacket is one pkt atom inside a chan atom: a stream header, a
// positioned data frame, or out-of-band metadata.
type ChannelPacket struct {
	Type PacketType
	Pos  uint32
	Data []byte
}

// ChanMessage is a parsed chan atom: optional channel id, metadata
// updates, and at most one packet.
type ChanMessage struct {
	ChannelID *gnuid.GnuID
	Info      *ChannelInfo
	Track     *TrackInfo
	Packet    *ChannelPacket
}

// ParseChan reads a chan parent atom.
func ParseChan(a atom.Atom) (*ChanMessage, error) {
	if a.ID() != IDChan || !a.IsParent() {
		return nil, errors.Wrapf(atom.ErrID, "chan: got %s", a)
	}
	var m ChanMessage
	for _, c := range a.Children() {
		switch {
		case c.ID() == IDChanID && c.IsChild():
			id, err := gnuidField(c)
			if err != nil {
				return nil, err
			}
			m.ChannelID = id
		case c.ID() == IDChanInfo && c.IsParent():
			info, err := ParseChannelInfo(c)
			if err != nil {
				return nil, err
			}
			m.Info = &info
		case c.ID() == IDChanTrack && c.IsParent():
			track, err := ParseTrackInfo(c)
			if err != nil {
				return nil, err
			}
			m.Track = &track
		case c.ID() == IDChanPkt && c.IsParent():
			pkt, err := parsePacket(c)
			if err != nil {
				return nil, err
			}
			m.Packet = pkt
		}
	}
	return &m, nil
}

func parsePacket(a atom.Atom) (*ChannelPacket, error) {
	var p ChannelPacket
	var sawType, sawData bool
	for _, c := range a.Children() {
		if c.IsParent() {
			return nil, errors.Wrapf(atom.ErrValue, "pkt: nested parent %s", c.ID())
		}
		switch c.ID() {
		case IDChanPktType:
			if len(c.Payload()) != 4 {
				return nil, errors.Wrap(atom.ErrValue, "pkt: bad type")
			}
			switch t := PacketType(c.Payload()); t {
			case PacketHead, PacketData, PacketMeta:
				p.Type = t
			default:
				return nil, errors.Wrapf(atom.ErrValue, "pkt: type %q", t)
			}
			sawType = true
		case IDChanPktPos:
			v, err := atom.DecodeU32(c)
			if err != nil {
				return nil, err
			}
			p.Pos = v
		case IDChanPktData:
			p.Data = append([]byte(nil), c.Payload()...)
			sawData = true
		}
	}
	if !sawType || !sawData {
		return nil, errors.Wrap(atom.ErrNotFound, "pkt: type and data required")
	}
	return &p, nil
}

// Atom renders m as a chan parent.
func (m *ChanMessage) Atom() atom.Atom {
	var kids []atom.Atom
	if m.ChannelID != nil {
		kids = append(kids, atom.Child(IDChanID, m.ChannelID.Bytes()))
	}
	if m.Info != nil {
		kids = append(kids, m.Info.Atom())
	}
	if m.Track != nil {
		kids = append(kids, m.Track.Atom())
	}
	if m.Packet != nil {
		kids = append(kids, m.Packet.Atom())
	}
	return atom.Parent(IDChan, kids...)
}

// Atom renders p as a pkt parent. Head packets omit pos, matching the
// stream head's position-free framing.
func (p *ChannelPacket) Atom() atom.Atom {
	kids := []atom.Atom{atom.Child(IDChanPktType, []byte(p.Type))}
	if p.Type == PacketData {
		kids = append(kids, atom.ChildU32(IDChanPktPos, p.Pos))
	}
	kids = append(kids, atom.Child(IDChanPktData, p.Data))
	return atom.Parent(IDChanPkt, kids...)
}
