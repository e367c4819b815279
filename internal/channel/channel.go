package channel

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/metrics"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

// ErrSourceActive rejects AttachSource while a source task already runs.
var ErrSourceActive = errors.New("channel: source task already attached")

// ErrChannelClosed rejects operations on a stopped channel.
var ErrChannelClosed = errors.New("channel: closed")

const (
	// defaultQueueCap bounds each subscriber queue.
	defaultQueueCap = 64
	// recentRingCap bounds the ring of recent frames replayed to late
	// joiners after the header.
	recentRingCap = 32
)

// Config tunes one channel.
type Config struct {
	// QueueCap overrides the subscriber queue capacity.
	QueueCap int
}

// Snapshot is the answer to Query: the channel state at one instant.
type Snapshot struct {
	ID          gnuid.GnuID
	CreatedAt   time.Time
	Info        pcp.ChannelInfo
	Track       pcp.TrackInfo
	Status      TaskStatus
	Subscribers int
	LastPos     uint32
	HasHeader   bool
}

// Channel is one logical content stream. All mutation happens inside the
// manager goroutine; the exported methods post to its mailbox.
type Channel struct {
	id        gnuid.GnuID
	createdAt time.Time
	cfg       Config

	mbox   *mailbox
	cancel context.CancelFunc
	done   chan struct{}

	lastSubID atomic.Uint64
}

// mailbox envelopes.
type (
	msgAttach struct {
		task  SourceTask
		reply chan error
	}
	msgEvent struct {
		ev SourceEvent
	}
	msgSubscribe struct {
		id    uint64
		reply chan *Queue
	}
	msgUnsubscribe struct {
		id uint64
	}
	msgStop  struct{}
	msgQuery struct {
		reply chan Snapshot
	}
	msgUpdateInfo struct {
		info pcp.ChannelInfo
	}
	msgUpdateTrack struct {
		track pcp.TrackInfo
	}
)

// New starts a channel actor under parent. The channel ends when parent
// is cancelled or Stop is called.
func New(parent context.Context, id gnuid.GnuID, cfg Config) *Channel {
	ctx, cancel := context.WithCancel(parent)
	ch := &Channel{
		id:        id,
		createdAt: time.Now(),
		cfg:       cfg,
		mbox:      newMailbox(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go ch.run(ctx)
	return ch
}

func (c *Channel) ID() gnuid.GnuID     { return c.id }
func (c *Channel) CreatedAt() time.Time { return c.createdAt }

// Done closes when the manager task has fully exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// AttachSource hands the channel its single source task; a second attach
// while one runs fails with ErrSourceActive.
func (c *Channel) AttachSource(ctx context.Context, task SourceTask) error {
	reply := make(chan error, 1)
	c.mbox.put(msgAttach{task: task, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrChannelClosed
	}
}

// Subscribe registers a new subscriber queue. The current header, then
// the recent frame ring, are delivered before any new frame.
func (c *Channel) Subscribe(ctx context.Context) (uint64, *Queue, error) {
	id := c.lastSubID.Add(1)
	reply := make(chan *Queue, 1)
	c.mbox.put(msgSubscribe{id: id, reply: reply})
	select {
	case q := <-reply:
		return id, q, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.done:
		return 0, nil, ErrChannelClosed
	}
}

// Unsubscribe drops a subscriber and closes its queue.
func (c *Channel) Unsubscribe(id uint64) {
	c.mbox.put(msgUnsubscribe{id: id})
}

// Emit feeds a source event into the channel; source tasks use this as
// their sink.
func (c *Channel) Emit(ev SourceEvent) {
	c.mbox.put(msgEvent{ev: ev})
}

// UpdateInfo merges locally-known channel metadata.
func (c *Channel) UpdateInfo(info pcp.ChannelInfo) {
	c.mbox.put(msgUpdateInfo{info: info})
}

// UpdateTrack merges locally-known track metadata.
func (c *Channel) UpdateTrack(track pcp.TrackInfo) {
	c.mbox.put(msgUpdateTrack{track: track})
}

// Stop signals the source task, drains subscribers and ends the actor.
func (c *Channel) Stop() {
	c.mbox.put(msgStop{})
}

// Query returns a state snapshot; the zero Snapshot after close.
func (c *Channel) Query(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	c.mbox.put(msgQuery{reply: reply})
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-c.done:
		return Snapshot{}, ErrChannelClosed
	}
}

// managerState is the actor-owned mutable state.
type managerState struct {
	info   pcp.ChannelInfo
	track  pcp.TrackInfo
	header *Message
	recent []Message
	// lastPos enforces strictly increasing positions.
	lastPos    uint32
	hasFrames  bool
	subs       map[uint64]*Queue
	source     SourceTask
	sourceDone bool
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	st := &managerState{subs: make(map[uint64]*Queue)}
	defer c.teardown(st)

	for {
		v, ok := c.mbox.take(ctx)
		if !ok {
			return
		}
		switch m := v.(type) {
		case msgAttach:
			if st.source != nil && !st.sourceDone {
				m.reply <- ErrSourceActive
				continue
			}
			st.source = m.task
			st.sourceDone = false
			st.source.Connect(ctx, c.Emit)
			m.reply <- nil
		case msgEvent:
			if c.handleEvent(st, m.ev) {
				return
			}
		case msgSubscribe:
			q := newQueue(c.queueCap(), func() { metrics.SubscriberDrops.Inc() })
			if st.header != nil {
				q.push(*st.header)
			}
			for _, f := range st.recent {
				q.push(f)
			}
			st.subs[m.id] = q
			m.reply <- q
		case msgUnsubscribe:
			if q, ok := st.subs[m.id]; ok {
				q.close()
				delete(st.subs, m.id)
			}
		case msgUpdateInfo:
			if st.source != nil {
				st.source.UpdateInfo(m.info)
			}
			st.info.Merge(m.info)
		case msgUpdateTrack:
			if st.source != nil {
				st.source.UpdateTrack(m.track)
			}
			st.track.Merge(m.track)
		case msgQuery:
			m.reply <- c.snapshot(st)
		case msgStop:
			return
		}
	}
}

func (c *Channel) queueCap() int {
	if c.cfg.QueueCap > 0 {
		return c.cfg.QueueCap
	}
	return defaultQueueCap
}

// handleEvent folds one source event into the state; true ends the actor.
func (c *Channel) handleEvent(st *managerState, ev SourceEvent) bool {
	metaChanged := false
	if ev.Info != nil && st.info.Merge(*ev.Info) {
		metaChanged = true
		log.Printf("channel: info updated id=%s name=%q", c.id, pcp.OptStr(st.info.Name))
	}
	if ev.Track != nil && st.track.Merge(*ev.Track) {
		metaChanged = true
	}
	if metaChanged {
		info, track := st.info, st.track
		m := Message{Kind: KindMeta, Info: &info, Track: &track}
		for _, q := range st.subs {
			q.push(m)
		}
	}
	if ev.Header != nil {
		h := Message{Kind: KindHeader, Data: ev.Header.Data, Codec: ev.Header.Codec}
		st.header = &h
		st.recent = st.recent[:0]
		for _, q := range st.subs {
			q.push(h)
		}
	}
	if ev.Data != nil {
		if !st.hasFrames || ev.Data.Pos > st.lastPos {
			st.lastPos = ev.Data.Pos
			st.hasFrames = true
			m := Message{Kind: KindData, Pos: ev.Data.Pos, Data: ev.Data.Bytes}
			st.recent = append(st.recent, m)
			if len(st.recent) > recentRingCap {
				st.recent = st.recent[len(st.recent)-recentRingCap:]
			}
			for _, q := range st.subs {
				q.push(m)
			}
		}
	}
	if ev.Quit {
		if ev.Err != nil {
			log.Printf("channel: source ended id=%s err=%v", c.id, ev.Err)
		}
		st.sourceDone = true
		return true
	}
	return false
}

func (c *Channel) snapshot(st *managerState) Snapshot {
	status := StatusInit
	if st.source != nil {
		status = st.source.Status()
	}
	return Snapshot{
		ID:          c.id,
		CreatedAt:   c.createdAt,
		Info:        st.info,
		Track:       st.track,
		Status:      status,
		Subscribers: len(st.subs),
		LastPos:     st.lastPos,
		HasHeader:   st.header != nil,
	}
}

// teardown stops the source and closes every subscriber queue so readers
// see buffered frames followed by the terminal sentinel.
func (c *Channel) teardown(st *managerState) {
	if st.source != nil {
		st.source.Stop()
	}
	for id, q := range st.subs {
		q.close()
		delete(st.subs, id)
	}
	c.cancel()
}
