package conn

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/atom"
	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/metrics"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

// ErrHandshakeFailed covers every way a session can fail to establish:
// bad magic, wrong revision, missing HELO fields, self-session collision,
// or a step timeout.
var ErrHandshakeFailed = errors.New("pcp handshake failed")

// SessionType classifies an established session.
type SessionType int

const (
	// Outgoing covers both sides of a direct peer exchange: we dialed,
	// or the remote dialed without ping/bcid and relays from us.
	Outgoing SessionType = iota
	// IncomingPing is a reachability probe; answered and closed by Accept.
	IncomingPing
	// IncomingBroadcast is a tracker pushing channel state at us.
	IncomingBroadcast
)

func (t SessionType) String() string {
	switch t {
	case Outgoing:
		return "outgoing"
	case IncomingPing:
		return "ping"
	case IncomingBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Session is a handshaken PCP connection.
type Session struct {
	Conn *Conn
	Type SessionType

	// Helo is the remote's opener; set on incoming sessions.
	Helo *pcp.Helo
	// RemoteSession is the peer's session id.
	RemoteSession gnuid.GnuID
}

// Handshaker drives HELO/OLEH exchanges for one servent identity.
type Handshaker struct {
	SessionID gnuid.GnuID
	Agent     string

	// StepTimeout bounds each read/write step; defaults to 10s.
	StepTimeout time.Duration

	// pingDialer overrides the back-probe dialer; tests use this.
	pingDialer func(ctx context.Context, addr string) (net.Conn, error)
}

// NewHandshaker builds a handshake engine with default timeouts.
func NewHandshaker(sessionID gnuid.GnuID, agent string) *Handshaker {
	return &Handshaker{SessionID: sessionID, Agent: agent, StepTimeout: 10 * time.Second}
}

func (h *Handshaker) step(ctx context.Context) (context.Context, context.CancelFunc) {
	d := h.StepTimeout
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func (h *Handshaker) dialPing(ctx context.Context, addr string) (net.Conn, error) {
	if h.pingDialer != nil {
		return h.pingDialer(ctx, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Accept drives the responder side over an accepted socket: magic, HELO,
// classification, OLEH. Ping sessions are fully served here (back-probe,
// OLEH echo, close); the returned session then has Type IncomingPing and
// a closed Conn. On error the socket is closed after a best-effort quit.
func (h *Handshaker) Accept(ctx context.Context, sock net.Conn) (*Session, error) {
	c := New(sock, h.SessionID)
	s, err := h.accept(ctx, c)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		quitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		c.WriteAtom(quitCtx, pcp.QuitAtom(pcp.QuitGeneral))
		cancel()
		c.Shutdown()
		return nil, err
	}
	return s, nil
}

func (h *Handshaker) accept(ctx context.Context, c *Conn) (*Session, error) {
	stepCtx, cancel := h.step(ctx)
	magic, err := c.ReadAtom(stepCtx)
	cancel()
	if err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	if err := pcp.ParseConnect(magic); err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}

	stepCtx, cancel = h.step(ctx)
	heloAtom, err := c.ReadAtom(stepCtx)
	cancel()
	if err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}

	// A ping probe's helo carries only a session id; try the full form
	// first and fall back to the probe form when ping is the purpose.
	helo, heloErr := pcp.ParseHelo(heloAtom)
	if heloErr != nil {
		sid, pingErr := pcp.ParsePing(heloAtom)
		if pingErr != nil {
			return nil, errors.Wrap(ErrHandshakeFailed, heloErr.Error())
		}
		helo = &pcp.Helo{SessionID: sid}
	}
	if helo.SessionID == h.SessionID {
		return nil, errors.Wrap(ErrHandshakeFailed, "self session collision")
	}

	switch {
	case helo.Ping != nil && helo.BroadcastID == nil:
		return h.answerPing(ctx, c, helo)
	case helo.BroadcastID != nil:
		if err := h.sendOleh(ctx, c); err != nil {
			return nil, err
		}
		return &Session{Conn: c, Type: IncomingBroadcast, Helo: helo, RemoteSession: helo.SessionID}, nil
	default:
		if err := h.sendOleh(ctx, c); err != nil {
			return nil, err
		}
		return &Session{Conn: c, Type: Outgoing, Helo: helo, RemoteSession: helo.SessionID}, nil
	}
}

func (h *Handshaker) sendOleh(ctx context.Context, c *Conn) error {
	oleh := &pcp.Oleh{SessionID: h.SessionID}
	if tcp, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		if v4 := tcp.IP.To4(); v4 != nil {
			ip := [4]byte{v4[0], v4[1], v4[2], v4[3]}
			port := uint16(tcp.Port)
			oleh.RemoteIP, oleh.Port = &ip, &port
		}
	}
	stepCtx, cancel := h.step(ctx)
	defer cancel()
	if err := c.WriteAtom(stepCtx, oleh.Atom()); err != nil {
		return errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	return nil
}

// answerPing probes the peer's declared port, echoes OLEH on the front
// connection, records reachability, and closes everything.
func (h *Handshaker) answerPing(ctx context.Context, c *Conn, helo *pcp.Helo) (*Session, error) {
	remoteIP := ""
	if tcp, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = tcp.IP.String()
	}
	target := net.JoinHostPort(remoteIP, fmt.Sprintf("%d", *helo.Ping))

	reachable := gnuid.Zero
	probeCtx, cancel := h.step(ctx)
	back, err := h.dialPing(probeCtx, target)
	if err == nil {
		probe := New(back, h.SessionID)
		if err := probe.WriteAtoms(probeCtx, pcp.PingAtoms(h.SessionID, nil, nil)); err == nil {
			if reply, err := probe.ReadAtom(probeCtx); err == nil {
				if sid, err := pcp.ParsePong(reply); err == nil && sid == helo.SessionID {
					reachable = sid
				}
			}
		}
		probe.Shutdown()
	}
	cancel()
	if reachable.IsZero() {
		log.Printf("handshake: ping back-probe failed conn=%d target=%s", c.ID(), target)
	} else {
		log.Printf("handshake: peer reachable conn=%d target=%s session=%s", c.ID(), target, reachable)
	}

	stepCtx, cancel2 := h.step(ctx)
	err = c.WriteAtom(stepCtx, pcp.PongAtom(h.SessionID))
	cancel2()
	c.Shutdown()
	if err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	return &Session{Conn: c, Type: IncomingPing, Helo: helo, RemoteSession: reachable}, nil
}

// Connect drives the initiator side over a dialed socket: magic + HELO
// out, OLEH back. port is the local listening port to declare, if any.
func (h *Handshaker) Connect(ctx context.Context, sock net.Conn, port *uint16) (*Session, error) {
	c := New(sock, h.SessionID)
	s, err := h.connect(ctx, c, port)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		c.Shutdown()
		return nil, err
	}
	return s, nil
}

func (h *Handshaker) connect(ctx context.Context, c *Conn, port *uint16) (*Session, error) {
	helo := &pcp.Helo{
		SessionID: h.SessionID,
		Agent:     h.Agent,
		Version:   pcp.ServantVersion,
		Port:      port,
	}
	stepCtx, cancel := h.step(ctx)
	err := c.WriteAtoms(stepCtx, []atom.Atom{pcp.ConnectAtom(), helo.Atom()})
	cancel()
	if err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}

	stepCtx, cancel = h.step(ctx)
	reply, err := c.ReadAtom(stepCtx)
	cancel()
	if err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	if reply.ID() == pcp.IDQuit {
		code, _ := pcp.ParseQuit(reply)
		return nil, errors.Wrapf(ErrHandshakeFailed, "remote quit: %s", pcp.QuitReason(code))
	}
	oleh, err := pcp.ParseOleh(reply)
	if err != nil {
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	if oleh.SessionID == h.SessionID {
		return nil, errors.Wrap(ErrHandshakeFailed, "self session collision")
	}
	return &Session{Conn: c, Type: Outgoing, RemoteSession: oleh.SessionID}, nil
}

// Ping dials addr, performs the probe exchange, and returns the remote
// session id. Used by the back-probe's counterpart and the ping tool.
func (h *Handshaker) Ping(ctx context.Context, addr string) (gnuid.GnuID, error) {
	dialCtx, cancel := h.step(ctx)
	sock, err := h.dialPing(dialCtx, addr)
	cancel()
	if err != nil {
		return gnuid.Zero, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	c := New(sock, h.SessionID)
	defer c.Shutdown()

	stepCtx, cancel := h.step(ctx)
	defer cancel()
	if err := c.WriteAtoms(stepCtx, pcp.PingAtoms(h.SessionID, nil, nil)); err != nil {
		return gnuid.Zero, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	reply, err := c.ReadAtom(stepCtx)
	if err != nil {
		return gnuid.Zero, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	sid, err := pcp.ParsePong(reply)
	if err != nil {
		return gnuid.Zero, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	return sid, nil
}
