package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGracefulCancelsDescendants(t *testing.T) {
	g := New(context.Background())

	child, cancel := context.WithCancel(g.Context())
	defer cancel()
	grandchild, cancel2 := context.WithCancel(child)
	defer cancel2()

	g.Trigger()
	select {
	case <-grandchild.Done():
	case <-time.After(time.Second):
		t.Fatal("grandchild token not cancelled")
	}
}

func TestWaitReturnsWhenTasksDrain(t *testing.T) {
	g := New(context.Background())
	done := make(chan struct{})
	g.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	g.Trigger()
	require.True(t, g.Wait())
	<-done
}

func TestTriggerIsIdempotent(t *testing.T) {
	g := New(context.Background())
	g.Trigger()
	g.Trigger()
	require.True(t, g.Wait())
	require.Error(t, g.Context().Err())
}
