// Package root implements the directory service: it accepts tracker
// sessions, folds their broadcasts into per-channel directory entries,
// and exposes the directory over an admin view.
package root

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

// RemovalGrace keeps a finished channel listed briefly so a rebooting
// tracker can re-register without losing its slot.
const RemovalGrace = 60 * time.Second

// ErrBadCredential rejects a broadcaster whose bcid doesn't match the
// channel's known credential.
var ErrBadCredential = errors.New("root: broadcast id mismatch")

// ErrTrackerActive rejects a second concurrent tracker session.
var ErrTrackerActive = errors.New("root: tracker already connected")

// Detail is one directory entry, aggregated from broadcasts.
type Detail struct {
	ID          gnuid.GnuID `json:"id"`
	Name        string      `json:"name"`
	Genre       string      `json:"genre"`
	Desc        string      `json:"desc"`
	Comment     string      `json:"comment"`
	URL         string      `json:"url"`
	ContentType string      `json:"contentType"`
	Bitrate     int32       `json:"bitrate"`
	Listeners   int32       `json:"listeners"`
	Relays      int32       `json:"relays"`
	Address     string      `json:"address"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	Status      string      `json:"status"`
}

// Config seeds a tracker channel from its first broadcast session.
type Config struct {
	SessionID   gnuid.GnuID
	BroadcastID gnuid.GnuID
	First       *pcp.Broadcast
}

// TrackerChannel is the root-side state for one announced channel: the
// credential, the latest broadcast, and the aggregated directory entry.
type TrackerChannel struct {
	id        gnuid.GnuID
	createdAt time.Time

	mu          sync.RWMutex
	broadcastID gnuid.GnuID
	sessionID   gnuid.GnuID
	last        *pcp.Broadcast
	info        pcp.ChannelInfo
	track       pcp.TrackInfo
	detail      Detail
	attached    bool
	finishAt    time.Time
}

// NewTrackerChannel materializes a channel from its first broadcast.
func NewTrackerChannel(id gnuid.GnuID, cfg Config) *TrackerChannel {
	now := time.Now()
	tc := &TrackerChannel{
		id:          id,
		createdAt:   now,
		broadcastID: cfg.BroadcastID,
		sessionID:   cfg.SessionID,
	}
	tc.detail = Detail{ID: id, CreatedAt: now, Status: "receiving"}
	if cfg.First != nil {
		tc.Update(cfg.First)
	}
	return tc
}

func (tc *TrackerChannel) ID() gnuid.GnuID      { return tc.id }
func (tc *TrackerChannel) CreatedAt() time.Time { return tc.createdAt }

// Attach claims the channel for one tracker session, checking the
// credential the channel was registered with.
func (tc *TrackerChannel) Attach(sessionID, broadcastID gnuid.GnuID) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if broadcastID != tc.broadcastID {
		return ErrBadCredential
	}
	if tc.attached {
		return ErrTrackerActive
	}
	tc.attached = true
	tc.sessionID = sessionID
	tc.finishAt = time.Time{}
	tc.detail.Status = "receiving"
	return nil
}

// Detach releases the tracker slot without finishing the channel.
func (tc *TrackerChannel) Detach() {
	tc.mu.Lock()
	tc.attached = false
	tc.mu.Unlock()
}

// Update folds one broadcast into the directory entry.
func (tc *TrackerChannel) Update(b *pcp.Broadcast) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.last = b
	if b.Info != nil {
		tc.info.Merge(*b.Info)
	}
	if b.Track != nil {
		tc.track.Merge(*b.Track)
	}
	if h := b.Host; h != nil {
		if h.Listeners != nil {
			tc.detail.Listeners = *h.Listeners
		}
		if h.Relays != nil {
			tc.detail.Relays = *h.Relays
		}
		if h.IP != nil && h.Port != nil {
			tc.detail.Address = fmt.Sprintf("%d.%d.%d.%d:%d",
				h.IP[0], h.IP[1], h.IP[2], h.IP[3], *h.Port)
		}
	}
	tc.detail.Name = pcp.OptStr(tc.info.Name)
	tc.detail.Genre = pcp.OptStr(tc.info.Genre)
	tc.detail.Desc = pcp.OptStr(tc.info.Desc)
	tc.detail.Comment = pcp.OptStr(tc.info.Comment)
	tc.detail.URL = pcp.OptStr(tc.info.URL)
	tc.detail.ContentType = pcp.OptStr(tc.info.Type)
	tc.detail.Bitrate = pcp.OptI32(tc.info.Bitrate)
	tc.detail.UpdatedAt = time.Now()
	tc.detail.Status = "receiving"
	tc.finishAt = time.Time{}
}

// Finish marks the channel off-air and arms the removal grace timer.
func (tc *TrackerChannel) Finish() {
	tc.mu.Lock()
	tc.attached = false
	tc.detail.Status = "finish"
	tc.finishAt = time.Now().Add(RemovalGrace)
	tc.mu.Unlock()
}

// Expired reports whether the grace period has lapsed with no
// re-registration.
func (tc *TrackerChannel) Expired(now time.Time) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return !tc.finishAt.IsZero() && now.After(tc.finishAt)
}

// LastBroadcast returns the most recent raw broadcast.
func (tc *TrackerChannel) LastBroadcast() *pcp.Broadcast {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.last
}

// Detail snapshots the directory entry.
func (tc *TrackerChannel) Detail() Detail {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.detail
}
