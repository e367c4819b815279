package channel

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pcpgo/pcpcast/internal/conn"
	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

// fakeUpstream plays the serving side of the relay protocol over a pipe:
// responder handshake, subscribe accept, then scripted chan atoms.
func fakeUpstream(t *testing.T, ctx context.Context, sock net.Conn, serverID gnuid.GnuID, script []pcp.ChanMessage) <-chan gnuid.GnuID {
	t.Helper()
	subscribed := make(chan gnuid.GnuID, 1)
	go func() {
		defer sock.Close()
		c := conn.New(sock, serverID)
		magic, err := c.ReadAtom(ctx)
		if err != nil || pcp.ParseConnect(magic) != nil {
			return
		}
		heloAtom, err := c.ReadAtom(ctx)
		if err != nil {
			return
		}
		if _, err := pcp.ParseHelo(heloAtom); err != nil {
			return
		}
		oleh := &pcp.Oleh{SessionID: serverID}
		if err := c.WriteAtom(ctx, oleh.Atom()); err != nil {
			return
		}
		subAtom, err := c.ReadAtom(ctx)
		if err != nil {
			return
		}
		sub, err := pcp.ParseBroadcast(subAtom)
		if err != nil || sub.ChannelID == nil {
			return
		}
		subscribed <- *sub.ChannelID
		for _, m := range script {
			if err := c.WriteAtom(ctx, m.Atom()); err != nil {
				return
			}
		}
		<-ctx.Done()
	}()
	return subscribed
}

func TestRelayTaskPumpsHeadAndData(t *testing.T) {
	ctx := testCtx(t)
	channelID := gnuid.New()
	serverID := gnuid.New()

	stype := "video/x-flv"
	script := []pcp.ChanMessage{
		{
			Info:   &pcp.ChannelInfo{Name: strptr("Relayed"), StreamType: &stype},
			Packet: &pcp.ChannelPacket{Type: pcp.PacketHead, Data: []byte("HDR")},
		},
		{Packet: &pcp.ChannelPacket{Type: pcp.PacketData, Pos: 100, Data: []byte("a")}},
		{Packet: &pcp.ChannelPacket{Type: pcp.PacketData, Pos: 90, Data: []byte("stale")}},
		{Packet: &pcp.ChannelPacket{Type: pcp.PacketData, Pos: 101, Data: []byte("b")}},
	}

	clientSock, serverSock := net.Pipe()
	t.Cleanup(func() { clientSock.Close(); serverSock.Close() })
	subscribed := fakeUpstream(t, ctx, serverSock, serverID, script)

	hs := conn.NewHandshaker(gnuid.New(), "pcpcast/test")
	task := NewRelayTask(hs, RelayConfig{Addr: "upstream:7144", ChannelID: channelID})
	task.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return clientSock, nil
	}

	var mu sync.Mutex
	var headers []HeaderUpdate
	var frames []DataFrame
	task.Connect(ctx, func(ev SourceEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Header != nil {
			headers = append(headers, *ev.Header)
		}
		if ev.Data != nil {
			frames = append(frames, *ev.Data)
		}
	})
	defer task.Stop()

	require.Equal(t, channelID, <-subscribed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(headers) == 1 && len(frames) == 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("HDR"), headers[0].Data)
	require.Equal(t, "video/x-flv", headers[0].Codec)
	require.Equal(t, uint32(100), frames[0].Pos)
	require.Equal(t, uint32(101), frames[1].Pos)
	require.Equal(t, StatusReceiving, task.Status())
}

func TestRelayTaskGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := testCtx(t)
	hs := conn.NewHandshaker(gnuid.New(), "pcpcast/test")
	task := NewRelayTask(hs, RelayConfig{Addr: "nowhere:1", ChannelID: gnuid.New(), MaxAttempts: 2})
	task.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, net.ErrClosed
	}

	quit := make(chan SourceEvent, 1)
	task.Connect(ctx, func(ev SourceEvent) {
		if ev.Quit {
			quit <- ev
		}
	})
	// the first failure waits ~1s of backoff; Retry skips it
	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(20 * time.Millisecond)
			task.Retry()
		}
	}()

	select {
	case ev := <-quit:
		require.Error(t, ev.Err)
	case <-ctx.Done():
		t.Fatal("relay task did not give up")
	}
	require.Equal(t, StatusError, task.Status())
}

func strptr(s string) *string { return &s }
