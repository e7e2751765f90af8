package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := New[int](3)
	for i := range 3 {
		require.True(t, q.Enqueue(i))
	}
	assert.False(t, q.Enqueue(3), "queue should be full")
	assert.Equal(t, 3, q.Len())

	for i := range 3 {
		got, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New[string](1)

	got := make(chan string)
	go func() {
		s, _ := q.Dequeue(context.Background())
		got <- s
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, q.Enqueue("clone"))
	select {
	case s := <-got:
		assert.Equal(t, "clone", s)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestDequeueContextDone(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose(t *testing.T) {
	q := New[int](2)
	require.True(t, q.Enqueue(1))
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(2))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
