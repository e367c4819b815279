package pcp

import (
	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/atom"
	"github.com/pcpgo/pcpcast/internal/gnuid"
)

// Broadcast is a parsed bcst atom: a hop-by-hop announcement addressed to
// a group (root / trackers / relays / all) carrying channel state.
type Broadcast struct {
	TTL  uint8
	Hops uint8
	From gnuid.GnuID

	Version         *uint32
	VersionVP       *uint32
	VersionExPrefix []byte
	VersionExNumber *uint16

	ChannelID *gnuid.GnuID
	Group     *uint8

	Info  *ChannelInfo
	Track *TrackInfo
	Host  *HostInfo
}

// HostInfo is the host atom inside a broadcast: the announcer's address
// and its listener/relay counts.
type HostInfo struct {
	ChannelID *gnuid.GnuID
	IP        *[4]byte
	Port      *uint16
	Listeners *int32
	Relays    *int32
	Uptime    *uint32
	Flags1    *uint8
}

// ParseBroadcast reads a bcst parent atom. Unknown children are ignored;
// the trackers group bit decodes but is otherwise reserved.
func ParseBroadcast(a atom.Atom) (*Broadcast, error) {
	if a.ID() != IDBcst || !a.IsParent() {
		return nil, errors.Wrapf(atom.ErrID, "bcst: got %s", a)
	}
	var b Broadcast
	for _, c := range a.Children() {
		var err error
		switch {
		case c.ID() == IDChan && c.IsParent():
			err = b.parseChan(c)
		case c.ID() == IDHost && c.IsParent():
			b.Host, err = parseHost(c)
		case c.IsParent():
			// ignore unknown parents
		default:
			err = b.parseScalar(c)
		}
		if err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func (b *Broadcast) parseScalar(c atom.Atom) error {
	var err error
	switch c.ID() {
	case IDBcstTTL:
		b.TTL, err = atom.DecodeU8(c)
	case IDBcstHops:
		b.Hops, err = atom.DecodeU8(c)
	case IDBcstFrom:
		var from *gnuid.GnuID
		if from, err = gnuidField(c); err == nil {
			b.From = *from
		}
	case IDBcstVersion:
		var v uint32
		if v, err = atom.DecodeU32(c); err == nil {
			b.Version = &v
		}
	case IDBcstVersionVP:
		var v uint32
		if v, err = atom.DecodeU32(c); err == nil {
			b.VersionVP = &v
		}
	case IDBcstVersionExPrefix:
		b.VersionExPrefix = append([]byte(nil), c.Payload()...)
	case IDBcstVersionExNumber:
		b.VersionExNumber, err = u16Field(c)
	case IDBcstChannelID:
		b.ChannelID, err = gnuidField(c)
	case IDBcstGroup:
		var g uint8
		if g, err = atom.DecodeU8(c); err == nil {
			b.Group = &g
		}
	}
	return err
}

func (b *Broadcast) parseChan(c atom.Atom) error {
	for _, k := range c.Children() {
		switch {
		case k.ID() == IDChanInfo && k.IsParent():
			info, err := ParseChannelInfo(k)
			if err != nil {
				return err
			}
			b.Info = &info
		case k.ID() == IDChanTrack && k.IsParent():
			track, err := ParseTrackInfo(k)
			if err != nil {
				return err
			}
			b.Track = &track
		case k.ID() == IDChanID && k.IsChild():
			id, err := gnuidField(k)
			if err != nil {
				return err
			}
			if b.ChannelID == nil {
				b.ChannelID = id
			}
		}
	}
	return nil
}

func parseHost(c atom.Atom) (*HostInfo, error) {
	var h HostInfo
	for _, k := range c.Children() {
		if k.IsParent() {
			continue
		}
		var err error
		switch k.ID() {
		case IDHostChannelID:
			h.ChannelID, err = gnuidField(k)
		case IDHostIP:
			var ip [4]byte
			if ip, err = atom.DecodeIPv4(k); err == nil {
				h.IP = &ip
			}
		case IDHostPort:
			h.Port, err = u16Field(k)
		case IDHostListeners:
			h.Listeners, err = i32Field(k)
		case IDHostRelays:
			h.Relays, err = i32Field(k)
		case IDHostUptime:
			var v uint32
			if v, err = atom.DecodeU32(k); err == nil {
				h.Uptime = &v
			}
		case IDHostFlags1:
			var f uint8
			if f, err = atom.DecodeU8(k); err == nil {
				h.Flags1 = &f
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return &h, nil
}

// Atom renders b as a bcst parent in the canonical child order:
// ttl, hops, from, versions, cid, grp, then chan/host.
func (b *Broadcast) Atom() atom.Atom {
	kids := []atom.Atom{
		atom.ChildU8(IDBcstTTL, b.TTL),
		atom.ChildU8(IDBcstHops, b.Hops),
		atom.Child(IDBcstFrom, b.From.Bytes()),
	}
	if b.Version != nil {
		kids = append(kids, atom.ChildU32(IDBcstVersion, *b.Version))
	}
	if b.VersionVP != nil {
		kids = append(kids, atom.ChildU32(IDBcstVersionVP, *b.VersionVP))
	}
	if len(b.VersionExPrefix) > 0 {
		kids = append(kids, atom.Child(IDBcstVersionExPrefix, b.VersionExPrefix))
	}
	if b.VersionExNumber != nil {
		kids = append(kids, atom.ChildU16(IDBcstVersionExNumber, *b.VersionExNumber))
	}
	if b.ChannelID != nil {
		kids = append(kids, atom.Child(IDBcstChannelID, b.ChannelID.Bytes()))
	}
	if b.Group != nil {
		kids = append(kids, atom.ChildU8(IDBcstGroup, *b.Group))
	}
	if b.Info != nil || b.Track != nil {
		var chanKids []atom.Atom
		if b.ChannelID != nil {
			chanKids = append(chanKids, atom.Child(IDChanID, b.ChannelID.Bytes()))
		}
		if b.Info != nil {
			chanKids = append(chanKids, b.Info.Atom())
		}
		if b.Track != nil {
			chanKids = append(chanKids, b.Track.Atom())
		}
		kids = append(kids, atom.Parent(IDChan, chanKids...))
	}
	if b.Host != nil {
		kids = append(kids, b.Host.Atom())
	}
	return atom.Parent(IDBcst, kids...)
}

// Atom renders h as a host parent.
func (h *HostInfo) Atom() atom.Atom {
	var kids []atom.Atom
	if h.ChannelID != nil {
		kids = append(kids, atom.Child(IDHostChannelID, h.ChannelID.Bytes()))
	}
	if h.IP != nil {
		kids = append(kids, atom.ChildIPv4(IDHostIP, *h.IP))
	}
	if h.Port != nil {
		kids = append(kids, atom.ChildU16(IDHostPort, *h.Port))
	}
	if h.Listeners != nil {
		kids = append(kids, atom.ChildI32(IDHostListeners, *h.Listeners))
	}
	if h.Relays != nil {
		kids = append(kids, atom.ChildI32(IDHostRelays, *h.Relays))
	}
	if h.Uptime != nil {
		kids = append(kids, atom.ChildU32(IDHostUptime, *h.Uptime))
	}
	if h.Flags1 != nil {
		kids = append(kids, atom.ChildU8(IDHostFlags1, *h.Flags1))
	}
	return atom.Parent(IDHost, kids...)
}

// NewRootBroadcast builds the announcement a tracker sends to the root
// directory: ttl 1, hops 0, addressed to the root group.
func NewRootBroadcast(sessionID, channelID gnuid.GnuID) *Broadcast {
	ver := ServantVersion
	vp := ServantVersionVP
	exn := ServantVersionExNumber
	group := GroupRoot
	cid := channelID
	return &Broadcast{
		TTL:             1,
		Hops:            0,
		From:            sessionID,
		Version:         &ver,
		VersionVP:       &vp,
		VersionExPrefix: append([]byte(nil), ServantVersionExPrefix...),
		VersionExNumber: &exn,
		ChannelID:       &cid,
		Group:           &group,
	}
}

// NewRelayBroadcast builds the subscribe request a relay sends upstream
// for a channel.
func NewRelayBroadcast(sessionID, channelID gnuid.GnuID) *Broadcast {
	b := NewRootBroadcast(sessionID, channelID)
	group := GroupRelays
	b.Group = &group
	return b
}
