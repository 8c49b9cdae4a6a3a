package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(s string) outbound {
	return outbound{data: []byte(s), record: true}
}

func TestQueue_FIFO(t *testing.T) {
	q := newQueue(0)
	for _, s := range []string{"a", "b", "c"} {
		assert.False(t, q.push(msg(s)))
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want, string(got.data))
		q.done()
	}
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestQueue_LimitDropsOldest(t *testing.T) {
	q := newQueue(2)
	q.push(msg("a"))
	q.push(msg("b"))

	assert.True(t, q.push(msg("c")))
	assert.Equal(t, 2, q.len())

	got, _ := q.pop()
	assert.Equal(t, "b", string(got.data))
}

func TestQueue_UnboundedGrows(t *testing.T) {
	q := newQueue(0)
	for range 10_000 {
		q.push(msg("x"))
	}
	assert.Equal(t, 10_000, q.len())
}

func TestQueue_Notify(t *testing.T) {
	q := newQueue(0)
	q.push(msg("a"))
	q.push(msg("b"))

	select {
	case <-q.ready():
	default:
		t.Fatal("push did not signal readiness")
	}
	select {
	case <-q.ready():
		t.Fatal("notifications must coalesce")
	default:
	}
}

func TestQueue_WaitForDrain(t *testing.T) {
	q := newQueue(0)
	q.push(msg("a"))
	item, _ := q.pop()
	_ = item

	waited := make(chan error, 1)
	go func() {
		waited <- q.wait(context.Background())
	}()

	select {
	case <-waited:
		t.Fatal("wait returned while a message was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	q.done()
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("wait did not return after drain")
	}
}

func TestQueue_WaitHonorsContext(t *testing.T) {
	q := newQueue(0)
	q.push(msg("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, q.wait(ctx), context.DeadlineExceeded)
}

func TestQueue_ResetReleasesWaiters(t *testing.T) {
	q := newQueue(0)
	q.push(msg("a"))
	q.push(msg("b"))

	waited := make(chan error, 1)
	go func() {
		waited <- q.wait(context.Background())
	}()

	assert.Equal(t, 2, q.reset())
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("reset did not release waiter")
	}
	assert.Zero(t, q.len())
}
