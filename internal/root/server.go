package root

import (
	"context"
	"log"
	"net"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/pcpgo/pcpcast/internal/channel"
	"github.com/pcpgo/pcpcast/internal/conn"
	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/metrics"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

// Store indexes tracker channels by channel id.
type Store = channel.Store[*TrackerChannel, Config]

// NewStore builds the root's channel store.
func NewStore() *Store {
	return channel.NewStore(NewTrackerChannel)
}

// Server is the root directory's PCP front: it accepts tracker sessions
// and feeds their broadcasts into the store.
type Server struct {
	Handshaker *conn.Handshaker
	Store      *Store

	// Index mirrors directory changes into persistent storage; optional.
	Index *Index

	// MaxSessions caps concurrent tracker connections; 0 means 512.
	MaxSessions int
	// AcceptRate throttles session intake per second; 0 means 64.
	AcceptRate float64

	// reapInterval overridable in tests.
	reapInterval time.Duration
}

const (
	defaultRootSessions = 512
	defaultAcceptRate   = 64
)

// Serve accepts tracker sessions until ctx ends, running the grace-period
// reaper alongside.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	max := s.MaxSessions
	if max <= 0 {
		max = defaultRootSessions
	}
	ln = netutil.LimitListener(ln, max)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.reap(ctx)
	log.Printf("root: listening on pcp://%s", ln.Addr())

	rps := s.AcceptRate
	if rps <= 0 {
		rps = defaultAcceptRate
	}
	limiter := rate.NewLimiter(rate.Limit(rps), int(rps))

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		sock, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handle(ctx, sock)
	}
}

// reap removes finished channels whose grace period lapsed without a
// re-registration.
func (s *Server) reap(ctx context.Context) {
	interval := s.reapInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		for _, tc := range s.Store.List() {
			if tc.Expired(now) {
				log.Printf("root: channel expired id=%s name=%q", tc.ID(), tc.Detail().Name)
				s.Store.Remove(tc.ID())
				if s.Index != nil {
					s.Index.Delete(tc.ID())
				}
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, sock net.Conn) {
	metrics.ConnectionsAccepted.WithLabelValues("root").Inc()
	metrics.ConnectionsActive.WithLabelValues("root").Inc()
	defer metrics.ConnectionsActive.WithLabelValues("root").Dec()

	sess, err := s.Handshaker.Accept(ctx, sock)
	if err != nil {
		log.Printf("root: handshake failed remote=%s err=%v", sock.RemoteAddr(), err)
		return
	}

	switch sess.Type {
	case conn.IncomingPing:
		// served inside the handshake engine
	case conn.IncomingBroadcast:
		s.serveTracker(ctx, sess)
	default:
		// the root relays nothing; direct peers are turned away
		writeQuit(sess.Conn, pcp.QuitUnavailable)
		sess.Conn.Shutdown()
	}
}

// serveTracker consumes a tracker session: the first post-OLEH atom must
// be bcst with a channel id; every further bcst updates the directory
// entry until quit, EOF or idle timeout.
func (s *Server) serveTracker(ctx context.Context, sess *conn.Session) {
	c := sess.Conn
	defer c.Shutdown()

	readCtx, cancel := context.WithTimeout(ctx, conn.IdleTimeout)
	first, err := c.ReadAtom(readCtx)
	cancel()
	if err != nil {
		log.Printf("root: tracker lost before bcst conn=%d err=%v", c.ID(), err)
		return
	}
	bc, err := pcp.ParseBroadcast(first)
	if err != nil || bc.ChannelID == nil {
		log.Printf("root: first atom must be bcst with cid conn=%d", c.ID())
		writeQuit(c, pcp.QuitGeneral)
		return
	}

	channelID := *bc.ChannelID
	tc := s.Store.GetOrCreate(channelID, Config{
		SessionID:   sess.RemoteSession,
		BroadcastID: *sess.Helo.BroadcastID,
		First:       bc,
	})
	if err := tc.Attach(sess.RemoteSession, *sess.Helo.BroadcastID); err != nil {
		log.Printf("root: attach rejected channel=%s conn=%d err=%v", channelID, c.ID(), err)
		writeQuit(c, pcp.QuitUnavailable)
		return
	}
	defer tc.Detach()

	tc.Update(bc)
	metrics.BroadcastsSeen.Inc()
	s.persist(tc)
	log.Printf("root: tracker registered channel=%s name=%q conn=%d", channelID, tc.Detail().Name, c.ID())

	for {
		readCtx, cancel := context.WithTimeout(ctx, conn.IdleTimeout)
		a, err := c.ReadAtom(readCtx)
		cancel()
		if err != nil {
			// connection loss counts as off-air; grace keeps the entry
			tc.Finish()
			s.persist(tc)
			return
		}
		switch a.ID() {
		case pcp.IDBcst:
			upd, err := pcp.ParseBroadcast(a)
			if err != nil {
				log.Printf("root: bad bcst conn=%d err=%v", c.ID(), err)
				continue
			}
			tc.Update(upd)
			metrics.BroadcastsSeen.Inc()
			s.persist(tc)
		case pcp.IDQuit:
			code, _ := pcp.ParseQuit(a)
			log.Printf("root: tracker quit channel=%s reason=%s", channelID, pcp.QuitReason(code))
			tc.Finish()
			s.persist(tc)
			return
		}
	}
}

func (s *Server) persist(tc *TrackerChannel) {
	if s.Index == nil {
		return
	}
	if err := s.Index.Upsert(tc.Detail()); err != nil {
		log.Printf("root: index upsert failed id=%s err=%v", tc.ID(), err)
	}
}

// writeQuit makes a best-effort quit emission with its own deadline.
func writeQuit(c *conn.Conn, code uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.WriteAtom(ctx, pcp.QuitAtom(code))
}

// SessionID is a convenience for wiring the admin view.
func (s *Server) SessionID() gnuid.GnuID {
	return s.Handshaker.SessionID
}
