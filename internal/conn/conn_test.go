package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pcpgo/pcpcast/internal/atom"
	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

func TestNextIDMonotonic(t *testing.T) {
	a := NextID()
	b := NextID()
	require.Greater(t, uint64(b), uint64(a))
}

func TestRateWindow(t *testing.T) {
	var w RateWindow
	w.Add(100)
	w.Add(200)
	require.Equal(t, uint64(300), w.Total())
	require.InDelta(t, 10.0, w.Rate(), 0.01) // 300 bytes over a 30s window
}

func TestConnAtomExchange(t *testing.T) {
	a, b := net.Pipe()
	left := New(a, gnuid.New())
	right := New(b, gnuid.New())
	defer left.Shutdown()
	defer right.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	want := atom.Parent(pcp.IDHelo, atom.ChildU32(pcp.IDHeloVersion, 7))
	done := make(chan error, 1)
	go func() { done <- left.WriteAtom(ctx, want) }()

	got, err := right.ReadAtom(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, atom.Encode(want), atom.Encode(got))
	require.Equal(t, uint64(len(atom.Encode(want))), left.OutRate().Total())
	require.Equal(t, uint64(len(atom.Encode(want))), right.InRate().Total())
}

func TestReadAtomHonoursCancel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	c := New(b, gnuid.New())
	defer c.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.ReadAtom(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSplitConcurrentReadWrite(t *testing.T) {
	a, b := net.Pipe()
	left := New(a, gnuid.New())
	right := New(b, gnuid.New())
	lr, lw := left.Split()
	rr, rw := right.Split()
	defer lr.Close()
	defer rr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ping := pcp.QuitAtom(pcp.QuitGeneral)
	pong := pcp.QuitAtom(pcp.QuitShutdown)
	errCh := make(chan error, 2)
	go func() { errCh <- lw.WriteAtom(ctx, ping) }()
	go func() { errCh <- rw.WriteAtom(ctx, pong) }()

	got1, err := rr.ReadAtom(ctx)
	require.NoError(t, err)
	got2, err := lr.ReadAtom(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	c1, _ := pcp.ParseQuit(got1)
	c2, _ := pcp.ParseQuit(got2)
	require.Equal(t, pcp.QuitGeneral, c1)
	require.Equal(t, pcp.QuitShutdown, c2)
}

func handshakePair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestAcceptIncomingBroadcast(t *testing.T) {
	clientSock, serverSock := handshakePair(t)
	serverID := gnuid.New()
	clientID := gnuid.New()
	bcid := gnuid.New()
	h := NewHandshaker(serverID, "pcpcast/test")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		s   *Session
		err error
	}
	res := make(chan result, 1)
	go func() {
		s, err := h.Accept(ctx, serverSock)
		res <- result{s, err}
	}()

	client := New(clientSock, clientID)
	helo := &pcp.Helo{SessionID: clientID, Agent: "tracker", Version: pcp.ServantVersion, BroadcastID: &bcid}
	require.NoError(t, client.WriteAtoms(ctx, []atom.Atom{pcp.ConnectAtom(), helo.Atom()}))

	reply, err := client.ReadAtom(ctx)
	require.NoError(t, err)
	oleh, err := pcp.ParseOleh(reply)
	require.NoError(t, err)
	require.Equal(t, serverID, oleh.SessionID)

	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, IncomingBroadcast, r.s.Type)
	require.Equal(t, clientID, r.s.RemoteSession)
	require.Equal(t, bcid, *r.s.Helo.BroadcastID)
}

func TestAcceptDirectPeer(t *testing.T) {
	clientSock, serverSock := handshakePair(t)
	h := NewHandshaker(gnuid.New(), "pcpcast/test")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res := make(chan *Session, 1)
	go func() {
		s, err := h.Accept(ctx, serverSock)
		if err == nil {
			res <- s
		} else {
			close(res)
		}
	}()

	clientID := gnuid.New()
	client := New(clientSock, clientID)
	helo := &pcp.Helo{SessionID: clientID, Agent: "peer", Version: pcp.ServantVersion}
	require.NoError(t, client.WriteAtoms(ctx, []atom.Atom{pcp.ConnectAtom(), helo.Atom()}))
	_, err := client.ReadAtom(ctx)
	require.NoError(t, err)

	s, ok := <-res
	require.True(t, ok)
	require.Equal(t, Outgoing, s.Type)
}

func TestAcceptRejectsSelfSession(t *testing.T) {
	clientSock, serverSock := handshakePair(t)
	selfID := gnuid.New()
	h := NewHandshaker(selfID, "pcpcast/test")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Accept(ctx, serverSock)
		errCh <- err
	}()

	client := New(clientSock, selfID)
	helo := &pcp.Helo{SessionID: selfID, Agent: "me", Version: pcp.ServantVersion}
	require.NoError(t, client.WriteAtoms(ctx, []atom.Atom{pcp.ConnectAtom(), helo.Atom()}))
	require.ErrorIs(t, <-errCh, ErrHandshakeFailed)
}

func TestAcceptRejectsWrongRevision(t *testing.T) {
	clientSock, serverSock := handshakePair(t)
	h := NewHandshaker(gnuid.New(), "pcpcast/test")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Accept(ctx, serverSock)
		errCh <- err
	}()

	client := New(clientSock, gnuid.New())
	require.NoError(t, client.WriteAtom(ctx, atom.ChildU32(pcp.IDConnect, 99)))
	require.ErrorIs(t, <-errCh, ErrHandshakeFailed)

	// best-effort quit before close
	reply, err := client.ReadAtom(ctx)
	if err == nil {
		code, qerr := pcp.ParseQuit(reply)
		require.NoError(t, qerr)
		require.Equal(t, pcp.QuitGeneral, code)
	}
}

func TestConnectOutgoing(t *testing.T) {
	clientSock, serverSock := handshakePair(t)
	serverID := gnuid.New()
	clientID := gnuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		server := New(serverSock, serverID)
		magic, _ := server.ReadAtom(ctx)
		if err := pcp.ParseConnect(magic); err != nil {
			return
		}
		heloAtom, _ := server.ReadAtom(ctx)
		if _, err := pcp.ParseHelo(heloAtom); err != nil {
			return
		}
		oleh := &pcp.Oleh{SessionID: serverID}
		server.WriteAtom(ctx, oleh.Atom())
	}()

	h := NewHandshaker(clientID, "pcpcast/test")
	s, err := h.Connect(ctx, clientSock, nil)
	require.NoError(t, err)
	require.Equal(t, Outgoing, s.Type)
	require.Equal(t, serverID, s.RemoteSession)
}

// TestPingProbeEndToEnd wires the full scenario over loopback TCP: the
// client declares a ping port, the server back-probes it, and the
// client's front socket sees oleh then EOF.
func TestPingProbeEndToEnd(t *testing.T) {
	serverID := gnuid.New()
	clientID := gnuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// client's own listener: answers the server's back-probe
	backLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backLn.Close()
	backPort := uint16(backLn.Addr().(*net.TCPAddr).Port)

	probedSession := make(chan gnuid.GnuID, 1)
	go func() {
		sock, err := backLn.Accept()
		if err != nil {
			return
		}
		back := New(sock, clientID)
		defer back.Shutdown()
		magic, err := back.ReadAtom(ctx)
		if err != nil || pcp.ParseConnect(magic) != nil {
			return
		}
		heloAtom, err := back.ReadAtom(ctx)
		if err != nil {
			return
		}
		sid, err := pcp.ParsePing(heloAtom)
		if err != nil {
			return
		}
		probedSession <- sid
		back.WriteAtom(ctx, pcp.PongAtom(clientID))
	}()

	// server listener: runs Accept on the front connection
	frontLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer frontLn.Close()

	sessions := make(chan *Session, 1)
	go func() {
		sock, err := frontLn.Accept()
		if err != nil {
			return
		}
		h := NewHandshaker(serverID, "pcpcast/test")
		s, err := h.Accept(ctx, sock)
		if err == nil {
			sessions <- s
		} else {
			close(sessions)
		}
	}()

	front, err := net.Dial("tcp", frontLn.Addr().String())
	require.NoError(t, err)
	client := New(front, clientID)
	defer client.Shutdown()

	ping := backPort
	helo := &pcp.Helo{SessionID: clientID, Agent: "pinger", Version: pcp.ServantVersion, Ping: &ping}
	require.NoError(t, client.WriteAtoms(ctx, []atom.Atom{pcp.ConnectAtom(), helo.Atom()}))

	// back-probe carried the server's session id
	require.Equal(t, serverID, <-probedSession)

	// front sees oleh{sid=server} then EOF
	reply, err := client.ReadAtom(ctx)
	require.NoError(t, err)
	echo, err := pcp.ParsePong(reply)
	require.NoError(t, err)
	require.Equal(t, serverID, echo)

	_, err = client.ReadAtom(ctx)
	require.Error(t, err)

	s, ok := <-sessions
	require.True(t, ok)
	require.Equal(t, IncomingPing, s.Type)
	require.Equal(t, clientID, s.RemoteSession)
}
