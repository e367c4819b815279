package root

import (
	"context"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pcpgo/pcpcast/internal/atom"
	"github.com/pcpgo/pcpcast/internal/conn"
	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

func strp(s string) *string { return &s }
func i32p(v int32) *int32   { return &v }

func testBroadcast(session, channelID gnuid.GnuID, name string, listeners, relays int32) *pcp.Broadcast {
	b := pcp.NewRootBroadcast(session, channelID)
	b.Info = &pcp.ChannelInfo{Name: strp(name), Genre: strp("music"), Bitrate: i32p(128)}
	b.Host = &pcp.HostInfo{
		IP: &[4]byte{10, 1, 2, 3}, Port: func() *uint16 { v := uint16(7144); return &v }(),
		Listeners: i32p(listeners), Relays: i32p(relays),
	}
	return b
}

func TestTrackerChannelAggregatesBroadcasts(t *testing.T) {
	session := gnuid.New()
	channelID := gnuid.New()
	bcid := gnuid.New()

	tc := NewTrackerChannel(channelID, Config{
		SessionID:   session,
		BroadcastID: bcid,
		First:       testBroadcast(session, channelID, "Hello", 3, 1),
	})

	d := tc.Detail()
	require.Equal(t, "Hello", d.Name)
	require.Equal(t, "music", d.Genre)
	require.Equal(t, int32(128), d.Bitrate)
	require.Equal(t, int32(3), d.Listeners)
	require.Equal(t, int32(1), d.Relays)
	require.Equal(t, "10.1.2.3:7144", d.Address)
	require.Equal(t, "receiving", d.Status)

	// later broadcast merges over earlier state
	upd := testBroadcast(session, channelID, "Hello World", 5, 2)
	tc.Update(upd)
	d = tc.Detail()
	require.Equal(t, "Hello World", d.Name)
	require.Equal(t, int32(5), d.Listeners)
}

func TestTrackerChannelCredential(t *testing.T) {
	session := gnuid.New()
	bcid := gnuid.New()
	tc := NewTrackerChannel(gnuid.New(), Config{SessionID: session, BroadcastID: bcid})

	require.NoError(t, tc.Attach(session, bcid))
	require.ErrorIs(t, tc.Attach(gnuid.New(), bcid), ErrTrackerActive)
	tc.Detach()
	require.ErrorIs(t, tc.Attach(gnuid.New(), gnuid.New()), ErrBadCredential)
	require.NoError(t, tc.Attach(gnuid.New(), bcid))
}

func TestTrackerChannelGraceExpiry(t *testing.T) {
	tc := NewTrackerChannel(gnuid.New(), Config{BroadcastID: gnuid.New()})
	now := time.Now()
	require.False(t, tc.Expired(now.Add(time.Hour)))

	tc.Finish()
	require.Equal(t, "finish", tc.Detail().Status)
	require.False(t, tc.Expired(now))
	require.True(t, tc.Expired(now.Add(RemovalGrace+time.Second)))

	// re-registration cancels the grace timer
	tc.Update(testBroadcast(gnuid.New(), tc.ID(), "Back", 0, 0))
	require.False(t, tc.Expired(now.Add(time.Hour)))
	require.Equal(t, "receiving", tc.Detail().Status)
}

func TestIndexPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ix, err := OpenIndex(path)
	require.NoError(t, err)
	defer ix.Close()

	id := gnuid.New()
	d := Detail{
		ID: id, Name: "Persisted", Genre: "talk", Desc: "a channel",
		Bitrate: 256, Listeners: 7, Relays: 2, Address: "10.0.0.9:7144",
		CreatedAt: time.Now().Add(-time.Minute), UpdatedAt: time.Now(),
		Status: "receiving",
	}
	require.NoError(t, ix.Upsert(d))

	// upsert overwrites in place
	d.Listeners = 9
	require.NoError(t, ix.Upsert(d))

	list, err := ix.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
	require.Equal(t, "Persisted", list[0].Name)
	require.Equal(t, int32(9), list[0].Listeners)

	require.NoError(t, ix.Delete(id))
	list, err = ix.List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func startRoot(t *testing.T, ctx context.Context) (*Server, string) {
	t.Helper()
	s := &Server{
		Handshaker: conn.NewHandshaker(gnuid.New(), "pcproot/test"),
		Store:      NewStore(),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ctx, ln)
	return s, ln.Addr().String()
}

// TestBroadcastIngestEndToEnd runs the tracker registration scenario over
// loopback: helo+bcid, oleh back, bcst with cid and info, directory entry
// appears with the announced name.
func TestBroadcastIngestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, addr := startRoot(t, ctx)

	trackerID := gnuid.New()
	bcid := gnuid.New()
	channelID := gnuid.New()

	sock, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	tracker := conn.New(sock, trackerID)
	defer tracker.Shutdown()

	helo := &pcp.Helo{
		SessionID: trackerID, Agent: "tracker/1", Version: pcp.ServantVersion,
		BroadcastID: &bcid,
	}
	require.NoError(t, tracker.WriteAtoms(ctx, []atom.Atom{pcp.ConnectAtom(), helo.Atom()}))

	reply, err := tracker.ReadAtom(ctx)
	require.NoError(t, err)
	oleh, err := pcp.ParseOleh(reply)
	require.NoError(t, err)
	require.Equal(t, s.SessionID(), oleh.SessionID)

	bc := testBroadcast(trackerID, channelID, "Hello", 0, 0)
	require.NoError(t, tracker.WriteAtom(ctx, bc.Atom()))

	require.Eventually(t, func() bool {
		tc, ok := s.Store.Get(channelID)
		return ok && tc.Detail().Name == "Hello"
	}, 3*time.Second, 10*time.Millisecond)

	// an update folds into the same entry
	require.NoError(t, tracker.WriteAtom(ctx, testBroadcast(trackerID, channelID, "Hello", 4, 2).Atom()))
	require.Eventually(t, func() bool {
		tc, _ := s.Store.Get(channelID)
		return tc != nil && tc.Detail().Listeners == 4
	}, 3*time.Second, 10*time.Millisecond)

	// quit marks the entry finished but keeps it during grace
	require.NoError(t, tracker.WriteAtom(ctx, pcp.QuitAtom(pcp.QuitOffAir)))
	require.Eventually(t, func() bool {
		tc, ok := s.Store.Get(channelID)
		return ok && tc.Detail().Status == "finish"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAdminViews(t *testing.T) {
	s := &Server{
		Handshaker: conn.NewHandshaker(gnuid.New(), "pcproot/test"),
		Store:      NewStore(),
	}
	session := gnuid.New()
	channelID := gnuid.New()
	s.Store.GetOrCreate(channelID, Config{
		SessionID:   session,
		BroadcastID: gnuid.New(),
		First:       testBroadcast(session, channelID, "AdminViewed", 2, 1),
	})

	mux := AdminMux(s)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/channels", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "AdminViewed")
	require.Contains(t, rec.Body.String(), channelID.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/index.txt", nil))
	require.Equal(t, 200, rec.Code)
	line := strings.TrimSpace(rec.Body.String())
	fields := strings.Split(line, "<>")
	require.Len(t, fields, 19)
	require.Equal(t, "AdminViewed", fields[0])
	require.Equal(t, channelID.String(), fields[1])
	require.Equal(t, "10.1.2.3:7144", fields[2])
	require.Equal(t, "2", fields[6])
	require.Equal(t, "1", fields[7])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), `"channels": 1`)
}
