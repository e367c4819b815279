// Package conn owns PCP transport sessions: the buffered atom reader and
// writer over a TCP stream, byte-rate accounting, and the HELO/OLEH
// handshake engine that classifies new sessions.
package conn

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pcpgo/pcpcast/internal/atom"
	"github.com/pcpgo/pcpcast/internal/gnuid"
	"github.com/pcpgo/pcpcast/internal/metrics"
)

// ID numbers connections monotonically within the process.
type ID uint64

var lastID atomic.Uint64

// NextID allocates a fresh connection id.
func NextID() ID {
	return ID(lastID.Add(1))
}

// rateWindowLen is the sliding window the byte-rate counters keep.
const rateWindowLen = 30 * time.Second

// IdleTimeout closes a session that moves no atoms at all.
const IdleTimeout = 60 * time.Second

// RateWindow tracks (timestamp, bytes) samples over a sliding window for
// observability. Safe for concurrent use.
type RateWindow struct {
	mu      sync.Mutex
	samples []rateSample
	total   uint64
}

type rateSample struct {
	at time.Time
	n  uint64
}

// Add records n transferred bytes at the current time.
func (w *RateWindow) Add(n int) {
	if n <= 0 {
		return
	}
	now := time.Now()
	w.mu.Lock()
	w.total += uint64(n)
	w.samples = append(w.samples, rateSample{at: now, n: uint64(n)})
	w.trim(now)
	w.mu.Unlock()
}

func (w *RateWindow) trim(now time.Time) {
	cut := now.Add(-rateWindowLen)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cut) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Rate returns bytes/second over the window.
func (w *RateWindow) Rate() float64 {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	var sum uint64
	for _, s := range w.samples {
		sum += s.n
	}
	return float64(sum) / rateWindowLen.Seconds()
}

// Total returns all bytes recorded over the connection's lifetime.
func (w *RateWindow) Total() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// Conn is one PCP transport session. A single task owns it; Split hands
// the stream to one reader and one writer task instead.
type Conn struct {
	id        ID
	sessionID gnuid.GnuID
	sock      net.Conn
	remote    net.Addr

	readBuf bytes.Buffer
	in      *RateWindow
	out     *RateWindow

	closeOnce sync.Once
	closeErr  error
}

// New wraps an established socket. sessionID is the local session.
func New(sock net.Conn, sessionID gnuid.GnuID) *Conn {
	return &Conn{
		id:        NextID(),
		sessionID: sessionID,
		sock:      sock,
		remote:    sock.RemoteAddr(),
		in:        &RateWindow{},
		out:       &RateWindow{},
	}
}

func (c *Conn) ID() ID                 { return c.id }
func (c *Conn) SessionID() gnuid.GnuID { return c.sessionID }
func (c *Conn) RemoteAddr() net.Addr   { return c.remote }
func (c *Conn) InRate() *RateWindow    { return c.in }
func (c *Conn) OutRate() *RateWindow   { return c.out }

// watchCancel wakes a blocked socket op when ctx is cancelled by yanking
// its deadline. Returns a stop func that must run before the next op.
// Deadlines are per direction so split halves don't disturb each other.
func watchCancel(ctx context.Context, setDeadline func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			setDeadline(time.Now())
		case <-stop:
		}
	}()
	// Wait for the watcher so a late yank cannot land after the next op
	// has applied its own deadline.
	return func() { close(stop); <-done }
}

func applyDeadline(ctx context.Context, setDeadline func(time.Time) error) {
	if dl, ok := ctx.Deadline(); ok {
		setDeadline(dl)
	} else {
		setDeadline(time.Time{})
	}
}

// ReadAtom consumes one complete atom, leaving trailing bytes buffered.
func (c *Conn) ReadAtom(ctx context.Context) (atom.Atom, error) {
	applyDeadline(ctx, c.sock.SetReadDeadline)
	defer watchCancel(ctx, c.sock.SetReadDeadline)()
	a, err := atom.ReadAtom(countReader{c.sock, c.in}, &c.readBuf)
	if err != nil && ctx.Err() != nil {
		return atom.Atom{}, ctx.Err()
	}
	return a, err
}

// WriteAtom emits one atom.
func (c *Conn) WriteAtom(ctx context.Context, a atom.Atom) error {
	applyDeadline(ctx, c.sock.SetWriteDeadline)
	defer watchCancel(ctx, c.sock.SetWriteDeadline)()
	err := atom.Write(countWriter{c.sock, c.out}, a)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// WriteAtoms drains atoms in order, stopping at the first error.
func (c *Conn) WriteAtoms(ctx context.Context, atoms []atom.Atom) error {
	for _, a := range atoms {
		if err := c.WriteAtom(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown closes the socket; safe to call more than once.
func (c *Conn) Shutdown() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.sock.Close()
	})
	return c.closeErr
}

// Split hands the stream to independent read and write halves. The Conn
// must not be used directly afterwards; closing either half closes the
// socket for both.
func (c *Conn) Split() (*ReadHalf, *WriteHalf) {
	r := &ReadHalf{conn: c}
	w := &WriteHalf{conn: c}
	return r, w
}

// ReadHalf reads atoms; it owns the connection's receive buffer.
type ReadHalf struct {
	conn *Conn
}

func (r *ReadHalf) ID() ID { return r.conn.id }

func (r *ReadHalf) ReadAtom(ctx context.Context) (atom.Atom, error) {
	return r.conn.ReadAtom(ctx)
}

func (r *ReadHalf) Close() error { return r.conn.Shutdown() }

// WriteHalf writes atoms.
type WriteHalf struct {
	conn *Conn
}

func (w *WriteHalf) ID() ID { return w.conn.id }

func (w *WriteHalf) WriteAtom(ctx context.Context, a atom.Atom) error {
	return w.conn.WriteAtom(ctx, a)
}

func (w *WriteHalf) WriteAtoms(ctx context.Context, atoms []atom.Atom) error {
	return w.conn.WriteAtoms(ctx, atoms)
}

func (w *WriteHalf) Close() error { return w.conn.Shutdown() }

type countReader struct {
	r io.Reader
	w *RateWindow
}

func (c countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.w.Add(n)
		metrics.BytesIn.Add(float64(n))
	}
	return n, err
}

type countWriter struct {
	w    io.Writer
	rate *RateWindow
}

func (c countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.rate.Add(n)
		metrics.BytesOut.Add(float64(n))
	}
	return n, err
}
