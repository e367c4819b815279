package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func data(pos uint32) Message {
	return Message{Kind: KindData, Pos: pos, Data: []byte{byte(pos)}}
}

func header(tag byte) Message {
	return Message{Kind: KindHeader, Data: []byte{tag}, Codec: "video/x-flv"}
}

func drain(q *Queue) []Message {
	var out []Message
	for {
		m, ok := q.TryRecv()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestQueueOverflowKeepsHeaderAndNewest(t *testing.T) {
	q := newQueue(4, nil)
	q.push(header('h'))
	for pos := uint32(1); pos <= 10; pos++ {
		q.push(data(pos))
	}

	got := drain(q)
	require.Len(t, got, 4)
	require.Equal(t, KindHeader, got[0].Kind)
	require.Equal(t, uint32(8), got[1].Pos)
	require.Equal(t, uint32(9), got[2].Pos)
	require.Equal(t, uint32(10), got[3].Pos)
}

func TestQueueOverflowWithoutHeader(t *testing.T) {
	q := newQueue(4, nil)
	for pos := uint32(1); pos <= 10; pos++ {
		q.push(data(pos))
	}
	got := drain(q)
	require.Len(t, got, 4)
	for i, m := range got {
		require.Equal(t, uint32(7+i), m.Pos)
	}
}

func TestQueueUndeliveredHeaderReplaced(t *testing.T) {
	q := newQueue(4, nil)
	q.push(header('a'))
	q.push(data(1))
	q.push(header('b'))

	got := drain(q)
	require.Len(t, got, 2)
	require.Equal(t, KindHeader, got[0].Kind)
	require.Equal(t, []byte{'b'}, got[0].Data)
	require.Equal(t, uint32(1), got[1].Pos)
}

func TestQueueOrderPreservedUnderDrops(t *testing.T) {
	q := newQueue(3, nil)
	for pos := uint32(1); pos <= 50; pos++ {
		q.push(data(pos))
	}
	got := drain(q)
	last := uint32(0)
	for _, m := range got {
		require.Greater(t, m.Pos, last)
		last = m.Pos
	}
}

func TestQueueDropCallback(t *testing.T) {
	drops := 0
	q := newQueue(2, func() { drops++ })
	q.push(data(1))
	q.push(data(2))
	q.push(data(3))
	require.Equal(t, 1, drops)
}

func TestQueueCloseIsTerminalSentinel(t *testing.T) {
	q := newQueue(4, nil)
	q.push(data(1))
	q.close()

	ctx := context.Background()
	m, ok := q.Recv(ctx)
	require.True(t, ok)
	require.Equal(t, uint32(1), m.Pos)

	_, ok = q.Recv(ctx)
	require.False(t, ok)

	// pushes after close are ignored
	q.push(data(2))
	_, ok = q.TryRecv()
	require.False(t, ok)
}

func TestQueueRecvBlocksUntilPush(t *testing.T) {
	q := newQueue(4, nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push(data(7))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, ok := q.Recv(ctx)
	require.True(t, ok)
	require.Equal(t, uint32(7), m.Pos)
}

func TestMailboxOrder(t *testing.T) {
	mb := newMailbox()
	for i := 0; i < 5; i++ {
		mb.put(i)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v, ok := mb.take(ctx)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}
