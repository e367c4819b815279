// Package servent runs the PCP listener of a relay/broadcast node: it
// classifies accepted sessions, feeds incoming broadcasts into channels,
// and serves channels to downstream peers.
package servent

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"golang.org/x/net/netutil"

	"github.com/pcpgo/pcpcast/internal/atom"
	"github.com/pcpgo/pcpcast/internal/channel"
	"github.com/pcpgo/pcpcast/internal/conn"
	"github.com/pcpgo/pcpcast/internal/metrics"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

// Store indexes this servent's channels.
type Store = channel.Store[*channel.Channel, channel.Config]

// Server owns the servent's PCP listener.
type Server struct {
	Handshaker *conn.Handshaker
	Store      *Store

	// MaxSessions caps concurrent PCP connections; 0 means 256.
	MaxSessions int
	// ChannelConfig seeds channels created by incoming broadcasts.
	ChannelConfig channel.Config
}

const defaultMaxSessions = 256

// Serve accepts PCP sessions until ctx ends. The listener is closed on
// the way out.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	max := s.MaxSessions
	if max <= 0 {
		max = defaultMaxSessions
	}
	ln = netutil.LimitListener(ln, max)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Printf("servent: listening on pcp://%s", ln.Addr())

	for {
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

func (s *Server) handle(ctx context.Context, sock net.Conn) {
	metrics.ConnectionsAccepted.WithLabelValues("servent").Inc()
	metrics.ConnectionsActive.WithLabelValues("servent").Inc()
	defer metrics.ConnectionsActive.WithLabelValues("servent").Dec()

	sess, err := s.Handshaker.Accept(ctx, sock)
	if err != nil {
		log.Printf("servent: handshake failed remote=%s err=%v", sock.RemoteAddr(), err)
		return
	}

	switch sess.Type {
	case conn.IncomingPing:
		// answered and closed inside the handshake engine
	case conn.IncomingBroadcast:
		s.serveBroadcast(ctx, sess)
	case conn.Outgoing:
		s.serveRelay(ctx, sess)
	}
}

// serveBroadcast attaches a tracker session to its channel: the first
// post-OLEH atom must be bcst with a channel id, then chan packets and
// further bcst updates flow into the channel until quit or EOF.
func (s *Server) serveBroadcast(ctx context.Context, sess *conn.Session) {
	c := sess.Conn
	defer c.Shutdown()

	readCtx, cancel := context.WithTimeout(ctx, conn.IdleTimeout)
	first, err := c.ReadAtom(readCtx)
	cancel()
	if err != nil {
		log.Printf("servent: broadcast session lost conn=%d err=%v", c.ID(), err)
		return
	}
	bc, err := pcp.ParseBroadcast(first)
	if err != nil || bc.ChannelID == nil {
		log.Printf("servent: first atom must be bcst with cid conn=%d", c.ID())
		writeQuit(c, pcp.QuitGeneral)
		return
	}

	ch := s.Store.GetOrCreate(*bc.ChannelID, s.ChannelConfig)
	src := channel.NewPushSource()
	if err := ch.AttachSource(ctx, src); err != nil {
		log.Printf("servent: channel busy id=%s conn=%d", bc.ChannelID, c.ID())
		writeQuit(c, pcp.QuitUnavailable)
		return
	}
	defer src.Stop()
	src.Push(channel.SourceEvent{Info: bc.Info, Track: bc.Track})
	metrics.BroadcastsSeen.Inc()

	for {
		readCtx, cancel := context.WithTimeout(ctx, conn.IdleTimeout)
		a, err := c.ReadAtom(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			src.Push(channel.SourceEvent{Quit: true, Err: err})
			return
		}
		switch a.ID() {
		case pcp.IDChan:
			m, err := pcp.ParseChan(a)
			if err != nil {
				log.Printf("servent: bad chan atom conn=%d err=%v", c.ID(), err)
				continue
			}
			src.Push(chanEvent(m))
		case pcp.IDBcst:
			upd, err := pcp.ParseBroadcast(a)
			if err != nil {
				continue
			}
			src.Push(channel.SourceEvent{Info: upd.Info, Track: upd.Track})
			metrics.BroadcastsSeen.Inc()
		case pcp.IDQuit:
			code, _ := pcp.ParseQuit(a)
			log.Printf("servent: tracker quit conn=%d reason=%s", c.ID(), pcp.QuitReason(code))
			src.Push(channel.SourceEvent{Quit: true})
			return
		}
	}
}

func chanEvent(m *pcp.ChanMessage) channel.SourceEvent {
	ev := channel.SourceEvent{Info: m.Info, Track: m.Track}
	if p := m.Packet; p != nil {
		switch p.Type {
		case pcp.PacketHead:
			codec := ""
			if m.Info != nil {
				codec = pcp.OptStr(m.Info.StreamType)
			}
			ev.Header = &channel.HeaderUpdate{Data: p.Data, Codec: codec}
		case pcp.PacketData:
			ev.Data = &channel.DataFrame{Pos: p.Pos, Bytes: p.Data}
		}
	}
	return ev
}

// serveRelay streams a channel to a downstream peer: it reads the peer's
// broadcast-subscribe, then pumps queue messages out as chan atoms.
func (s *Server) serveRelay(ctx context.Context, sess *conn.Session) {
	c := sess.Conn
	defer c.Shutdown()

	readCtx, cancel := context.WithTimeout(ctx, conn.IdleTimeout)
	first, err := c.ReadAtom(readCtx)
	cancel()
	if err != nil {
		return
	}
	req, err := pcp.ParseBroadcast(first)
	if err != nil || req.ChannelID == nil {
		writeQuit(c, pcp.QuitGeneral)
		return
	}
	ch, ok := s.Store.Get(*req.ChannelID)
	if !ok {
		writeQuit(c, pcp.QuitNoHost)
		return
	}

	subID, queue, err := ch.Subscribe(ctx)
	if err != nil {
		writeQuit(c, pcp.QuitOffAir)
		return
	}
	defer ch.Unsubscribe(subID)
	log.Printf("servent: relay subscribed channel=%s conn=%d remote=%s", req.ChannelID, c.ID(), c.RemoteAddr())

	reader, writer := c.Split()

	// the peer may send quit or drop the socket; either ends the session
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			a, err := reader.ReadAtom(ctx)
			if err != nil {
				return
			}
			if a.ID() == pcp.IDQuit {
				return
			}
		}
	}()

	for {
		select {
		case <-peerGone:
			return
		case <-ctx.Done():
			writeQuit(writer, pcp.QuitShutdown)
			return
		default:
		}
		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		m, ok := queue.Recv(recvCtx)
		cancel()
		if !ok {
			if queue.Closed() {
				// channel ended: buffered frames already flushed above
				writeQuit(writer, pcp.QuitOffAir)
				return
			}
			if ctx.Err() != nil {
				writeQuit(writer, pcp.QuitShutdown)
				return
			}
			continue // recv timeout tick; re-check peer liveness
		}
		for _, cm := range channel.PacketAtoms(*req.ChannelID, m) {
			if err := writer.WriteAtom(ctx, cm.Atom()); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("servent: relay write failed conn=%d err=%v", c.ID(), err)
				}
				return
			}
		}
	}
}

// atomWriter is satisfied by both Conn and WriteHalf.
type atomWriter interface {
	WriteAtom(context.Context, atom.Atom) error
}

// writeQuit makes a best-effort quit emission with its own short deadline.
func writeQuit(w atomWriter, code uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.WriteAtom(ctx, pcp.QuitAtom(code))
}
