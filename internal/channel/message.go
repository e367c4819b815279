// Package channel implements the per-content relay/broadcast state: the
// channel actor and its subscriber fan-out, the relay and broadcast
// source tasks, and the process-wide channel store.
package channel

import (
	"context"
	"sync"

	"github.com/pcpgo/pcpcast/internal/pcp"
)

// MessageKind tags the values a subscriber queue delivers.
type MessageKind int

const (
	// KindHeader carries the stream header that must precede data.
	KindHeader MessageKind = iota
	// KindData carries one positioned media frame.
	KindData
	// KindMeta carries a metadata change (info/track) to subscribers.
	KindMeta
)

// Message is one unit of channel egress.
type Message struct {
	Kind MessageKind
	// Pos is the frame position; strictly increasing per channel.
	Pos uint32
	// Data holds the header bytes or the frame bytes.
	Data []byte
	// Codec hints at the header's codec; set on headers only.
	Codec string
	// Info and Track ride on meta messages.
	Info  *pcp.ChannelInfo
	Track *pcp.TrackInfo
}

// Queue is one subscriber's bounded FIFO. On overflow the oldest data
// entry is dropped, never a header; an undelivered header is replaced in
// place by a newer one. Closing the queue is the terminal sentinel.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	cap    int
	closed bool
	notify chan struct{}

	onDrop func()
}

func newQueue(capacity int, onDrop func()) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{cap: capacity, notify: make(chan struct{}, 1), onDrop: onDrop}
}

func (q *Queue) push(m Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if m.Kind == KindHeader {
		if i := q.headerIndex(); i >= 0 {
			q.items[i] = m
			q.signalLocked()
			q.mu.Unlock()
			return
		}
	}
	q.items = append(q.items, m)
	for len(q.items) > q.cap {
		if !q.dropOldestData() {
			// nothing droppable; shed the new entry instead
			q.items = q.items[:len(q.items)-1]
			break
		}
	}
	q.signalLocked()
	q.mu.Unlock()
}

func (q *Queue) headerIndex() int {
	for i, it := range q.items {
		if it.Kind == KindHeader {
			return i
		}
	}
	return -1
}

func (q *Queue) dropOldestData() bool {
	for i, it := range q.items {
		if it.Kind == KindData {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if q.onDrop != nil {
				q.onDrop()
			}
			return true
		}
	}
	return false
}

func (q *Queue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Recv blocks for the next message. ok is false once the queue is closed
// and drained.
func (q *Queue) Recv(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Message{}, false
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.notify:
		}
	}
}

// TryRecv pops the next message without blocking.
func (q *Queue) TryRecv() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// Len reports queued messages; mostly for the admin view.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether the producer ended the stream.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.signalLocked()
	q.mu.Unlock()
}

// mailbox is the channel actor's unbounded inbox.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) put(v any) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take(ctx context.Context) (any, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-m.notify:
		}
	}
}
