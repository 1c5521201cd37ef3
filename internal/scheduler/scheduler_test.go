package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvery_RunsJob(t *testing.T) {
	s := New()
	var runs int32
	require.NoError(t, s.Every("tick", time.Second, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	}))
	s.Start()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestEvery_RejectsNonPositiveInterval(t *testing.T) {
	require.Error(t, New().Every("bad", 0, func(context.Context) {}))
}

func TestStop_CancelsJobContext(t *testing.T) {
	s := New()
	done := make(chan struct{})
	var once sync.Once
	require.NoError(t, s.Every("blocking", time.Second, func(ctx context.Context) {
		<-ctx.Done()
		once.Do(func() { close(done) })
	}))
	s.Start()
	time.Sleep(1200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled")
	}
}
