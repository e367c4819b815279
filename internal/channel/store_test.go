package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pcpgo/pcpcast/internal/gnuid"
)

func newTestStore(ctx context.Context) *Store[*Channel, Config] {
	return NewStore(func(id gnuid.GnuID, cfg Config) *Channel {
		return New(ctx, id, cfg)
	})
}

func TestStoreGetOrCreateIdempotent(t *testing.T) {
	ctx := testCtx(t)
	s := newTestStore(ctx)
	id := gnuid.New()

	a := s.GetOrCreate(id, Config{})
	b := s.GetOrCreate(id, Config{})
	require.Same(t, a, b)
	require.Equal(t, 1, s.Len())
	defer a.Stop()

	got, ok := s.Get(id)
	require.True(t, ok)
	require.Same(t, a, got)

	_, ok = s.Get(gnuid.New())
	require.False(t, ok)
}

func TestStoreConcurrentCreateSingleInstance(t *testing.T) {
	ctx := testCtx(t)
	s := newTestStore(ctx)
	id := gnuid.New()

	const callers = 16
	out := make([]*Channel, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = s.GetOrCreate(id, Config{})
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		require.Same(t, out[0], out[i])
	}
	require.Equal(t, 1, s.Len())
	out[0].Stop()
}

func TestStoreRemoveHooksAndRecreate(t *testing.T) {
	ctx := testCtx(t)
	s := newTestStore(ctx)

	var order []string
	s.OnRemove(
		func(c *Channel) { order = append(order, "before"); c.Stop() },
		func(c *Channel) { order = append(order, "after") },
	)

	id := gnuid.New()
	first := s.GetOrCreate(id, Config{})
	require.True(t, s.Remove(id))
	require.False(t, s.Remove(id))
	require.Equal(t, []string{"before", "after"}, order)

	select {
	case <-first.Done():
	case <-ctx.Done():
		t.Fatal("removed channel did not stop")
	}

	// recreation yields a fresh instance with a new creation time
	time.Sleep(5 * time.Millisecond)
	second := s.GetOrCreate(id, Config{})
	defer second.Stop()
	require.NotSame(t, first, second)
	require.True(t, second.CreatedAt().After(first.CreatedAt()))
}

func TestStoreList(t *testing.T) {
	ctx := testCtx(t)
	s := newTestStore(ctx)
	ids := []gnuid.GnuID{gnuid.New(), gnuid.New(), gnuid.New()}
	for _, id := range ids {
		s.GetOrCreate(id, Config{})
	}
	list := s.List()
	require.Len(t, list, 3)
	seen := map[gnuid.GnuID]bool{}
	for _, c := range list {
		seen[c.ID()] = true
		c.Stop()
	}
	for _, id := range ids {
		require.True(t, seen[id])
	}
}
