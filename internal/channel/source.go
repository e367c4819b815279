package channel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pcpgo/pcpcast/internal/pcp"
)

// TaskStatus is the source task state machine:
//
//	Init -> Searching -> Receiving <-> Idle -> Finish
//	any state -> Error (retry re-enters Searching)
//	any state -> Finish (stop)
type TaskStatus int

const (
	StatusInit TaskStatus = iota
	StatusSearching
	StatusReceiving
	StatusIdle
	StatusError
	StatusFinish
)

func (s TaskStatus) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusSearching:
		return "searching"
	case StatusReceiving:
		return "receiving"
	case StatusIdle:
		return "idle"
	case StatusError:
		return "error"
	case StatusFinish:
		return "finish"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// statusVar is a watchable status cell: Set wakes every waiter so
// StatusChanged observes each transition.
type statusVar struct {
	mu      sync.Mutex
	v       TaskStatus
	changed chan struct{}
}

func newStatusVar() *statusVar {
	return &statusVar{v: StatusInit, changed: make(chan struct{})}
}

func (s *statusVar) Get() TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

func (s *statusVar) Set(v TaskStatus) {
	s.mu.Lock()
	if s.v != v {
		s.v = v
		close(s.changed)
		s.changed = make(chan struct{})
	}
	s.mu.Unlock()
}

// Changed blocks until the status moves away from its current value.
func (s *statusVar) Changed(ctx context.Context) (TaskStatus, error) {
	s.mu.Lock()
	ch := s.changed
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return s.Get(), ctx.Err()
	case <-ch:
		return s.Get(), nil
	}
}

// HeaderUpdate replaces the channel's stream header.
type HeaderUpdate struct {
	Data  []byte
	Codec string
}

// DataFrame is one positioned media frame from the source.
type DataFrame struct {
	Pos   uint32
	Bytes []byte
}

// SourceEvent is what a source task feeds its channel.
type SourceEvent struct {
	Header *HeaderUpdate
	Data   *DataFrame
	Info   *pcp.ChannelInfo
	Track  *pcp.TrackInfo
	// Quit marks the source as finished; Err carries the fatal cause.
	Quit bool
	Err  error
}

// EventSink receives source events; the channel actor provides one.
type EventSink func(SourceEvent)

// SourceTask is the producer side of a channel: either a relay pulling
// from a remote servent or a broadcast fed by a local ingester.
type SourceTask interface {
	// Connect starts the task; events flow into sink until Stop or a
	// fatal error. Must be called at most once.
	Connect(ctx context.Context, sink EventSink)
	// Retry asks a failed task to re-enter Searching immediately.
	Retry()
	// UpdateInfo and UpdateTrack push locally-known metadata.
	UpdateInfo(info pcp.ChannelInfo)
	UpdateTrack(track pcp.TrackInfo)
	Status() TaskStatus
	// StatusChanged waits for the next status transition.
	StatusChanged(ctx context.Context) (TaskStatus, error)
	Stop()
}

// noDataTimeout flips a silent producer to Idle.
const noDataTimeout = 30 * time.Second

// Reconnect backoff: 1s doubling to a 30s cap, jittered; reset on a
// successful transition to Receiving.
const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

type backoff struct {
	attempt int
}

func (b *backoff) next() time.Duration {
	d := backoffBase << b.attempt
	if d >= backoffCap {
		d = backoffCap
	} else {
		b.attempt++
	}
	return jitter(d)
}

func (b *backoff) reset() {
	b.attempt = 0
}

// jitter spreads retries ±25% so reconnecting relays don't stampede a
// recovering tracker.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := float64(d) * 0.25
	delta := time.Duration(rand.Int63n(int64(frac*2+1))) - time.Duration(frac)
	if d += delta; d < 0 {
		return 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
