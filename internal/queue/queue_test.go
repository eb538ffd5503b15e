package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveQueue_PushPopFIFO(t *testing.T) {
	q := NewMoveQueue(4)
	q.Push(MoveTask{Path: "a.pcap"})
	q.Push(MoveTask{Path: "b.pcap"})
	assert.Equal(t, 2, q.Len())

	ctx := context.Background()
	task, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a.pcap", task.Path)

	task, ok = q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "b.pcap", task.Path)
}

func TestMoveQueue_Dedup(t *testing.T) {
	q := NewMoveQueue(4)
	q.Push(MoveTask{Path: "a.pcap"})
	q.Push(MoveTask{Path: "a.pcap"})
	assert.Equal(t, 1, q.Len())
}

func TestMoveQueue_OverflowDropsOldest(t *testing.T) {
	q := NewMoveQueue(2)
	q.Push(MoveTask{Path: "a.pcap"})
	q.Push(MoveTask{Path: "b.pcap"})
	q.Push(MoveTask{Path: "c.pcap"})

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, q.Dropped())

	ctx := context.Background()
	task, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "b.pcap", task.Path, "oldest entry should have been dropped")
}

func TestMoveQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewMoveQueue(4)
	ctx := context.Background()

	result := make(chan string, 1)
	go func() {
		task, ok := q.Pop(ctx)
		if ok {
			result <- task.Path
		}
	}()

	select {
	case <-result:
		t.Fatal("Pop should block on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(MoveTask{Path: "wakeup.pcap"})

	select {
	case path := <-result:
		assert.Equal(t, "wakeup.pcap", path)
	case <-time.After(time.Second):
		t.Fatal("Pop should have unblocked after Push")
	}
}

func TestMoveQueue_PopReturnsOnCancel(t *testing.T) {
	q := NewMoveQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		result <- ok
	}()

	cancel()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop should return once ctx is cancelled")
	}
}

func TestUploadQueue_PushPop(t *testing.T) {
	q := NewUploadQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, UploadTask{Path: "worker/a.pcap", Size: 10}))
	assert.Equal(t, 1, q.Len())

	task, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "worker/a.pcap", task.Path)
}

func TestUploadQueue_PushBlocksWhenFull(t *testing.T) {
	q := NewUploadQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, UploadTask{Path: "a"}))

	pushCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := q.Push(pushCtx, UploadTask{Path: "b"})
	assert.Error(t, err, "Push should block (and time out here) when the queue is full")
}
