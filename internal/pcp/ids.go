// Package pcp implements the PCP message layer above the atom codec:
// HELO/OLEH session exchange, BCST announcements, channel packets,
// channel/track metadata and quit codes.
package pcp

import "github.com/pcpgo/pcpcast/internal/atom"

// Protocol revision carried in the pcp\0 magic atom.
const ProtocolVersion uint32 = 1

// Servant version atoms sent inside bcst. The base number mirrors the
// PeerCast lineage; prefix/number identify this implementation.
const (
	ServantVersion   uint32 = 1218
	ServantVersionVP uint32 = 27
)

var (
	ServantVersionExPrefix        = []byte("GO")
	ServantVersionExNumber uint16 = 1
)

// Session-level tags.
var (
	IDConnect = atom.MakeID("pcp\x00")
	IDHelo    = atom.MakeID("helo")
	IDOleh    = atom.MakeID("oleh")
	IDQuit    = atom.MakeID("quit")
)

// HELO / OLEH children.
var (
	IDHeloAgent     = atom.MakeID("agnt")
	IDHeloVersion   = atom.MakeID("ver\x00")
	IDHeloSessionID = atom.MakeID("sid\x00")
	IDHeloPort      = atom.MakeID("port")
	IDHeloPing      = atom.MakeID("ping")
	IDHeloBcid      = atom.MakeID("bcid")
	IDHeloDisable   = atom.MakeID("dis\x00")
	IDHeloRemoteIP  = atom.MakeID("rip\x00")
)

// BCST children.
var (
	IDBcst                = atom.MakeID("bcst")
	IDBcstTTL             = atom.MakeID("ttl\x00")
	IDBcstHops            = atom.MakeID("hops")
	IDBcstFrom            = atom.MakeID("from")
	IDBcstVersion         = atom.MakeID("ver\x00")
	IDBcstVersionVP       = atom.MakeID("vrvp")
	IDBcstVersionExPrefix = atom.MakeID("vexp")
	IDBcstVersionExNumber = atom.MakeID("vexn")
	IDBcstChannelID       = atom.MakeID("cid\x00")
	IDBcstGroup           = atom.MakeID("grp\x00")
)

// Channel tags.
var (
	IDChan               = atom.MakeID("chan")
	IDChanID             = atom.MakeID("id\x00\x00")
	IDChanBcid           = atom.MakeID("bcid")
	IDChanInfo           = atom.MakeID("info")
	IDChanInfoType       = atom.MakeID("type")
	IDChanInfoName       = atom.MakeID("name")
	IDChanInfoGenre      = atom.MakeID("gnre")
	IDChanInfoDesc       = atom.MakeID("desc")
	IDChanInfoComment    = atom.MakeID("cmnt")
	IDChanInfoURL        = atom.MakeID("url\x00")
	IDChanInfoStreamType = atom.MakeID("styp")
	IDChanInfoStreamExt  = atom.MakeID("sext")
	IDChanInfoBitrate    = atom.MakeID("bitr")
	IDChanTrack          = atom.MakeID("trck")
	IDChanTrackTitle     = atom.MakeID("titl")
	IDChanTrackCreator   = atom.MakeID("crea")
	IDChanTrackURL       = atom.MakeID("url\x00")
	IDChanTrackAlbum     = atom.MakeID("albm")
	IDChanTrackGenre     = atom.MakeID("gnre")
	IDChanPkt            = atom.MakeID("pkt\x00")
	IDChanPktType        = atom.MakeID("type")
	IDChanPktPos         = atom.MakeID("pos\x00")
	IDChanPktData        = atom.MakeID("data")
)

// Host tags carried inside bcst.
var (
	IDHost          = atom.MakeID("host")
	IDHostChannelID = atom.MakeID("cid\x00")
	IDHostIP        = atom.MakeID("ip\x00\x00")
	IDHostPort      = atom.MakeID("port")
	IDHostListeners = atom.MakeID("numl")
	IDHostRelays    = atom.MakeID("numr")
	IDHostUptime    = atom.MakeID("uptm")
	IDHostFlags1    = atom.MakeID("flg1")
)

// Broadcast group bitmask values.
const (
	GroupRoot     uint8 = 0x01
	GroupTrackers uint8 = 0x02
	GroupRelays   uint8 = 0x04
	GroupAll      uint8 = 0xFF
)

// GroupHas reports whether group addresses the given member bit.
func GroupHas(group, member uint8) bool {
	return group&member != 0
}
