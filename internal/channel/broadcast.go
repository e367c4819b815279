package channel

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

// ErrIngestClosed rejects frames after the broadcast task stopped.
var ErrIngestClosed = errors.New("channel: ingest closed")

// IngestFrame is what a local ingester (RTMP front end, file reader, …)
// pushes into a broadcast channel. Timestamps are monotonic; frames that
// go backwards are dropped.
type IngestFrame struct {
	// HeaderUpdate, when set, replaces the stream header first.
	HeaderUpdate []byte
	// Codec hints at the header codec (e.g. "video/x-flv").
	Codec string
	// Bytes is the media frame.
	Bytes []byte
	// TimestampMS orders frames; out-of-order frames are dropped.
	TimestampMS int64
}

// BroadcastConfig names the channel a local ingester feeds.
type BroadcastConfig struct {
	ChannelID gnuid.GnuID
	// Info/Track seed the channel metadata at attach time.
	Info  *pcp.ChannelInfo
	Track *pcp.TrackInfo
}

// BroadcastTask receives frames from a local ingester and feeds the
// channel, assigning positions monotonically from 0.
type BroadcastTask struct {
	cfg    BroadcastConfig
	status *statusVar

	mu      sync.Mutex
	sink    EventSink
	started bool
	stopped bool
	nextPos uint32
	lastTS  int64
	haveTS  bool

	idleTimer *time.Timer

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
}

// NewBroadcastTask builds the producer side of a locally-broadcast channel.
func NewBroadcastTask(cfg BroadcastConfig) *BroadcastTask {
	return &BroadcastTask{cfg: cfg, status: newStatusVar()}
}

// Connect arms the task. Broadcast tasks have no upstream to search; the
// first ingested frame moves them to Receiving.
func (t *BroadcastTask) Connect(ctx context.Context, sink EventSink) {
	t.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		t.mu.Lock()
		t.sink = sink
		t.started = true
		t.mu.Unlock()
		t.status.Set(StatusSearching)
		if t.cfg.Info != nil || t.cfg.Track != nil {
			sink(SourceEvent{Info: t.cfg.Info, Track: t.cfg.Track})
		}
		t.idleTimer = time.AfterFunc(noDataTimeout, t.onIdle)
		go func() {
			<-runCtx.Done()
			t.Stop()
		}()
	})
}

func (t *BroadcastTask) onIdle() {
	if t.status.Get() == StatusReceiving {
		t.status.Set(StatusIdle)
	}
}

// Ingest accepts one frame from the local ingester.
func (t *BroadcastTask) Ingest(f IngestFrame) error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return ErrIngestClosed
	}
	if t.haveTS && f.TimestampMS < t.lastTS {
		t.mu.Unlock()
		return nil // late frame; drop silently
	}
	t.haveTS = true
	t.lastTS = f.TimestampMS
	sink := t.sink
	var ev SourceEvent
	if f.HeaderUpdate != nil {
		ev.Header = &HeaderUpdate{Data: f.HeaderUpdate, Codec: f.Codec}
	}
	if f.Bytes != nil {
		ev.Data = &DataFrame{Pos: t.nextPos, Bytes: f.Bytes}
		t.nextPos++
	}
	t.mu.Unlock()

	if ev.Header == nil && ev.Data == nil {
		return nil
	}
	t.status.Set(StatusReceiving)
	if t.idleTimer != nil {
		t.idleTimer.Reset(noDataTimeout)
	}
	sink(ev)
	return nil
}

// UpdateInfo forwards fresh channel metadata to the channel.
func (t *BroadcastTask) UpdateInfo(info pcp.ChannelInfo) {
	t.mu.Lock()
	sink, ok := t.sink, t.started && !t.stopped
	t.mu.Unlock()
	if ok {
		sink(SourceEvent{Info: &info})
	}
}

// UpdateTrack forwards fresh track metadata to the channel.
func (t *BroadcastTask) UpdateTrack(track pcp.TrackInfo) {
	t.mu.Lock()
	sink, ok := t.sink, t.started && !t.stopped
	t.mu.Unlock()
	if ok {
		sink(SourceEvent{Track: &track})
	}
}

// Retry is a no-op: there is no upstream to re-dial.
func (t *BroadcastTask) Retry() {}

func (t *BroadcastTask) Status() TaskStatus { return t.status.Get() }

func (t *BroadcastTask) StatusChanged(ctx context.Context) (TaskStatus, error) {
	return t.status.Changed(ctx)
}

// Stop closes the ingest side and finishes the task.
func (t *BroadcastTask) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		if t.idleTimer != nil {
			t.idleTimer.Stop()
		}
		if t.cancel != nil {
			t.cancel()
		}
		t.status.Set(StatusFinish)
		log.Printf("broadcast: stopped channel=%s frames=%d", t.cfg.ChannelID, t.loadPos())
	})
}

func (t *BroadcastTask) loadPos() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextPos
}

// PacketAtoms renders a channel queue message as the chan atoms a
// downstream peer expects; the servent's relay serving loop writes its
// output to each subscribed peer.
func PacketAtoms(channelID gnuid.GnuID, m Message) []pcp.ChanMessage {
	cid := channelID
	switch m.Kind {
	case KindHeader:
		return []pcp.ChanMessage{{
			ChannelID: &cid,
			Packet:    &pcp.ChannelPacket{Type: pcp.PacketHead, Data: m.Data},
		}}
	case KindData:
		return []pcp.ChanMessage{{
			ChannelID: &cid,
			Packet:    &pcp.ChannelPacket{Type: pcp.PacketData, Pos: m.Pos, Data: m.Data},
		}}
	case KindMeta:
		return []pcp.ChanMessage{{ChannelID: &cid, Info: m.Info, Track: m.Track}}
	default:
		return nil
	}
}
