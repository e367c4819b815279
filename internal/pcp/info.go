package pcp

import (
	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/atom"
)

// ChannelInfo is the optional-field bag describing a channel. Absent
// fields are nil; Merge folds a newer bag over this one.
type ChannelInfo struct {
	Type       *string `json:"type,omitempty"`
	Name       *string `json:"name,omitempty"`
	Genre      *string `json:"genre,omitempty"`
	Desc       *string `json:"desc,omitempty"`
	Comment    *string `json:"comment,omitempty"`
	URL        *string `json:"url,omitempty"`
	StreamType *string `json:"streamType,omitempty"`
	StreamExt  *string `json:"streamExt,omitempty"`
	Bitrate    *int32  `json:"bitrate,omitempty"`
}

// Merge assigns every present field of other over ci. It reports whether
// any observable value changed; re-merging the same source reports false.
func (ci *ChannelInfo) Merge(other ChannelInfo) bool {
	changed := mergeField(&ci.Type, other.Type)
	changed = mergeField(&ci.Name, other.Name) || changed
	changed = mergeField(&ci.Genre, other.Genre) || changed
	changed = mergeField(&ci.Desc, other.Desc) || changed
	changed = mergeField(&ci.Comment, other.Comment) || changed
	changed = mergeField(&ci.URL, other.URL) || changed
	changed = mergeField(&ci.StreamType, other.StreamType) || changed
	changed = mergeField(&ci.StreamExt, other.StreamExt) || changed
	changed = mergeField(&ci.Bitrate, other.Bitrate) || changed
	return changed
}

// ParseChannelInfo reads an info parent atom. Unknown children are ignored
// so newer peers stay parseable.
func ParseChannelInfo(a atom.Atom) (ChannelInfo, error) {
	var ci ChannelInfo
	if a.ID() != IDChanInfo || !a.IsParent() {
		return ci, errors.Wrapf(atom.ErrValue, "info: got %s", a)
	}
	for _, c := range a.Children() {
		if c.IsParent() {
			continue
		}
		var err error
		switch c.ID() {
		case IDChanInfoType:
			ci.Type, err = strField(c)
		case IDChanInfoName:
			ci.Name, err = strField(c)
		case IDChanInfoGenre:
			ci.Genre, err = strField(c)
		case IDChanInfoDesc:
			ci.Desc, err = strField(c)
		case IDChanInfoComment:
			ci.Comment, err = strField(c)
		case IDChanInfoURL:
			ci.URL, err = strField(c)
		case IDChanInfoStreamType:
			ci.StreamType, err = strField(c)
		case IDChanInfoStreamExt:
			ci.StreamExt, err = strField(c)
		case IDChanInfoBitrate:
			ci.Bitrate, err = i32Field(c)
		}
		if err != nil {
			return ChannelInfo{}, err
		}
	}
	return ci, nil
}

// Atom renders the present fields as an info parent.
func (ci ChannelInfo) Atom() atom.Atom {
	var kids []atom.Atom
	appendStr(&kids, IDChanInfoType, ci.Type)
	appendStr(&kids, IDChanInfoName, ci.Name)
	appendStr(&kids, IDChanInfoGenre, ci.Genre)
	appendStr(&kids, IDChanInfoDesc, ci.Desc)
	appendStr(&kids, IDChanInfoComment, ci.Comment)
	appendStr(&kids, IDChanInfoURL, ci.URL)
	appendStr(&kids, IDChanInfoStreamType, ci.StreamType)
	appendStr(&kids, IDChanInfoStreamExt, ci.StreamExt)
	if ci.Bitrate != nil {
		kids = append(kids, atom.ChildI32(IDChanInfoBitrate, *ci.Bitrate))
	}
	return atom.Parent(IDChanInfo, kids...)
}

// TrackInfo describes the currently playing track.
type TrackInfo struct {
	Title   *string `json:"title,omitempty"`
	Creator *string `json:"creator,omitempty"`
	URL     *string `json:"url,omitempty"`
	Album   *string `json:"album,omitempty"`
	Genre   *string `json:"genre,omitempty"`
}

// Merge assigns every present field of other over ti, reporting change.
func (ti *TrackInfo) Merge(other TrackInfo) bool {
	changed := mergeField(&ti.Title, other.Title)
	changed = mergeField(&ti.Creator, other.Creator) || changed
	changed = mergeField(&ti.URL, other.URL) || changed
	changed = mergeField(&ti.Album, other.Album) || changed
	changed = mergeField(&ti.Genre, other.Genre) || changed
	return changed
}

// ParseTrackInfo reads a trck parent atom.
func ParseTrackInfo(a atom.Atom) (TrackInfo, error) {
	var ti TrackInfo
	if a.ID() != IDChanTrack || !a.IsParent() {
		return ti, errors.Wrapf(atom.ErrValue, "trck: got %s", a)
	}
	for _, c := range a.Children() {
		if c.IsParent() {
			continue
		}
		var err error
		switch c.ID() {
		case IDChanTrackTitle:
			ti.Title, err = strField(c)
		case IDChanTrackCreator:
			ti.Creator, err = strField(c)
		case IDChanTrackURL:
			ti.URL, err = strField(c)
		case IDChanTrackAlbum:
			ti.Album, err = strField(c)
		case IDChanTrackGenre:
			ti.Genre, err = strField(c)
		}
		if err != nil {
			return TrackInfo{}, err
		}
	}
	return ti, nil
}

// Atom renders the present fields as a trck parent.
func (ti TrackInfo) Atom() atom.Atom {
	var kids []atom.Atom
	appendStr(&kids, IDChanTrackTitle, ti.Title)
	appendStr(&kids, IDChanTrackCreator, ti.Creator)
	appendStr(&kids, IDChanTrackURL, ti.URL)
	appendStr(&kids, IDChanTrackAlbum, ti.Album)
	appendStr(&kids, IDChanTrackGenre, ti.Genre)
	return atom.Parent(IDChanTrack, kids...)
}

func strField(c atom.Atom) (*string, error) {
	s, err := atom.DecodeString(c)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func i32Field(c atom.Atom) (*int32, error) {
	v, err := atom.DecodeI32(c)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func appendStr(kids *[]atom.Atom, id atom.ID, p *string) {
	if p != nil {
		*kids = append(*kids, atom.ChildString(id, *p))
	}
}
