package brain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestChatUsesExtraSlotWhileDefaultInflight(t *testing.T) {
	q := newAdmissionQueue(1, 1)
	ctx := context.Background()

	// default_A occupies the only base slot.
	require.NoError(t, q.Acquire(ctx, false))

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	acquired := func(name string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, n := range order {
				if n == name {
					return true
				}
			}
			return false
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, q.Acquire(ctx, true))
		record("chat_B")
	}()
	waitFor(t, acquired("chat_B"), "chat_B admitted via extra slot")

	go func() {
		defer wg.Done()
		require.NoError(t, q.Acquire(ctx, false))
		record("default_C")
	}()

	// default_C is blocked: both slots are taken and the base slot is
	// needed for a default token.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, acquired("default_C")())

	q.Release() // default_A done
	waitFor(t, acquired("default_C"), "default_C admitted after release")
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"chat_B", "default_C"}, order)

	q.Release()
	q.Release()
}

func TestDefaultWaitsWhileChatQueued(t *testing.T) {
	q := newAdmissionQueue(1, 0)
	ctx := context.Background()

	require.NoError(t, q.Acquire(ctx, false))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, q.Acquire(ctx, true))
		mu.Lock()
		order = append(order, "chat")
		mu.Unlock()
		q.Release()
	}()
	// Give the chat token time to enter its queue first.
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		require.NoError(t, q.Acquire(ctx, false))
		mu.Lock()
		order = append(order, "default")
		mu.Unlock()
		q.Release()
	}()
	time.Sleep(20 * time.Millisecond)

	q.Release()
	wg.Wait()

	assert.Equal(t, []string{"chat", "default"}, order)
}

func TestAcquireCancellation(t *testing.T) {
	q := newAdmissionQueue(1, 0)

	require.NoError(t, q.Acquire(context.Background(), false))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Acquire(ctx, false)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled Acquire did not return")
	}

	// The canceled waiter left the queue; the next token proceeds once a
	// slot frees up.
	q.Release()
	require.NoError(t, q.Acquire(context.Background(), false))
	q.Release()
}

func TestDefaultFIFOOrder(t *testing.T) {
	q := newAdmissionQueue(1, 0)
	ctx := context.Background()

	require.NoError(t, q.Acquire(ctx, false))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, q.Acquire(ctx, false))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			q.Release()
		}(i)
		// Enqueue order defines dispatch order.
		time.Sleep(20 * time.Millisecond)
	}

	q.Release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}
