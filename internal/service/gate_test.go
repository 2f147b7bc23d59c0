package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateMutualExclusion(t *testing.T) {
	g := newSessionGate()
	ctx := context.Background()

	inside, peak := 0, 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.acquire(ctx, "s1")
			require.NoError(t, err)
			mu.Lock()
			inside++
			if inside > peak {
				peak = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak, "at most one holder per session id")
	assert.Equal(t, 0, g.activeCount())
}

func TestGateDifferentSessionsDoNotBlock(t *testing.T) {
	g := newSessionGate()
	ctx := context.Background()

	r1, err := g.acquire(ctx, "s1")
	require.NoError(t, err)
	defer r1()

	done := make(chan struct{})
	go func() {
		r2, err := g.acquire(ctx, "s2")
		assert.NoError(t, err)
		r2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent session ids must not contend")
	}
}

func TestGateAcquireHonorsContext(t *testing.T) {
	g := newSessionGate()

	release, err := g.acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.acquire(ctx, "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, g.activeCount())

	// The slot is reusable after a cancelled wait.
	r2, err := g.acquire(context.Background(), "s1")
	require.NoError(t, err)
	r2()
}
