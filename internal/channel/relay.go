package channel

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/conn"
	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/metrics"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

// RelayConfig targets a remote servent carrying the channel.
type RelayConfig struct {
	// Addr is the upstream host:port.
	Addr string
	// SelfPort is our declared listening port, if any.
	SelfPort *uint16
	// ChannelID names the content to subscribe to.
	ChannelID gnuid.GnuID
	// MaxAttempts bounds reconnects; 0 retries until stopped.
	MaxAttempts int
}

// RelayTask pulls a channel from a remote servent: outbound handshake,
// broadcast-subscribe, then a pump of chan packets into the channel.
type RelayTask struct {
	cfg RelayConfig
	hs  *conn.Handshaker

	status  *statusVar
	retryCh chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	lastPos uint32
	havePos bool
}

// NewRelayTask builds a relay source for one upstream target.
func NewRelayTask(hs *conn.Handshaker, cfg RelayConfig) *RelayTask {
	return &RelayTask{
		cfg:     cfg,
		hs:      hs,
		status:  newStatusVar(),
		retryCh: make(chan struct{}, 1),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Connect starts the pump. Subsequent calls are no-ops.
func (t *RelayTask) Connect(ctx context.Context, sink EventSink) {
	t.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		go t.run(runCtx, sink)
	})
}

// Retry skips the remaining backoff wait after a failure.
func (t *RelayTask) Retry() {
	select {
	case t.retryCh <- struct{}{}:
	default:
	}
}

// UpdateInfo is a no-op: a relay's metadata flows from upstream.
func (t *RelayTask) UpdateInfo(pcp.ChannelInfo) {}

// UpdateTrack is a no-op for relays.
func (t *RelayTask) UpdateTrack(pcp.TrackInfo) {}

func (t *RelayTask) Status() TaskStatus { return t.status.Get() }

func (t *RelayTask) StatusChanged(ctx context.Context) (TaskStatus, error) {
	return t.status.Changed(ctx)
}

// Stop cancels the pump and marks the task finished. A read or write in
// progress on the upstream connection is cut short; a partly transferred
// atom is not completed.
func (t *RelayTask) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.status.Set(StatusFinish)
	})
}

func (t *RelayTask) run(ctx context.Context, sink EventSink) {
	var bo backoff
	attempts := 0
	for {
		t.status.Set(StatusSearching)
		err := t.session(ctx, sink, &bo)
		if ctx.Err() != nil {
			t.status.Set(StatusFinish)
			return
		}
		t.status.Set(StatusError)
		attempts++
		metrics.SourceRetries.Inc()
		if t.cfg.MaxAttempts > 0 && attempts >= t.cfg.MaxAttempts {
			log.Printf("relay: giving up addr=%s attempts=%d err=%v", t.cfg.Addr, attempts, err)
			sink(SourceEvent{Quit: true, Err: err})
			return
		}
		wait := bo.next()
		log.Printf("relay: reconnect addr=%s in=%s err=%v", t.cfg.Addr, wait.Round(time.Millisecond), err)
		select {
		case <-ctx.Done():
			t.status.Set(StatusFinish)
			return
		case <-t.retryCh:
		case <-time.After(wait):
		}
	}
}

// session runs one connect-subscribe-pump cycle; it returns the fatal
// error that ended it.
func (t *RelayTask) session(ctx context.Context, sink EventSink, bo *backoff) error {
	sock, err := t.dial(ctx, t.cfg.Addr)
	if err != nil {
		return err
	}
	s, err := t.hs.Connect(ctx, sock, t.cfg.SelfPort)
	if err != nil {
		return err
	}
	c := s.Conn
	defer c.Shutdown()

	sub := pcp.NewRelayBroadcast(t.hs.SessionID, t.cfg.ChannelID)
	if err := c.WriteAtom(ctx, sub.Atom()); err != nil {
		return err
	}

	for {
		readCtx, cancel := context.WithTimeout(ctx, noDataTimeout)
		a, err := c.ReadAtom(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// producer went quiet; stay connected
				t.status.Set(StatusIdle)
				continue
			}
			return err
		}

		switch a.ID() {
		case pcp.IDChan:
			m, err := pcp.ParseChan(a)
			if err != nil {
				log.Printf("relay: bad chan atom addr=%s err=%v", t.cfg.Addr, err)
				continue
			}
			t.deliver(m, sink, bo)
		case pcp.IDQuit:
			code, _ := pcp.ParseQuit(a)
			return errors.Errorf("remote quit: %s", pcp.QuitReason(code))
		default:
			// other session traffic (bcst echoes etc) is ignored here
		}
	}
}

func (t *RelayTask) deliver(m *pcp.ChanMessage, sink EventSink, bo *backoff) {
	ev := SourceEvent{Info: m.Info, Track: m.Track}
	if p := m.Packet; p != nil {
		switch p.Type {
		case pcp.PacketHead:
			codec := ""
			if m.Info != nil {
				codec = pcp.OptStr(m.Info.StreamType)
			}
			ev.Header = &HeaderUpdate{Data: p.Data, Codec: codec}
			bo.reset()
			t.status.Set(StatusReceiving)
		case pcp.PacketData:
			if t.havePos && p.Pos <= t.lastPos {
				return // stale packet from a reordered path
			}
			t.havePos = true
			t.lastPos = p.Pos
			ev.Data = &DataFrame{Pos: p.Pos, Bytes: p.Data}
			t.status.Set(StatusReceiving)
		case pcp.PacketMeta:
			// metadata-only packet; info/track ride along below
		}
	}
	if ev.Header != nil || ev.Data != nil || ev.Info != nil || ev.Track != nil {
		sink(ev)
	}
}
