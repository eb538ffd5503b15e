package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmover/bitmover/internal/fsseam"
	"github.com/bitmover/bitmover/internal/queue"
)

// fsnotify needs a real filesystem to subscribe to, so these tests use
// t.TempDir() and the production fsseam.New() seam instead of the
// in-memory one the rest of the pipeline package tests against.

func writeAtomically(t *testing.T, path string, data []byte) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func popWithTimeout(t *testing.T, q *queue.MoveQueue, d time.Duration) (queue.MoveTask, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Pop(ctx)
}

func TestWatcher_DetectsNewFile(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMoveQueue(8)
	w := NewWatcher(fsseam.New(), dir, "pcap", q, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)

	target := filepath.Join(dir, "a.pcap")
	writeAtomically(t, target, []byte("data"))

	task, ok := popWithTimeout(t, q, 2*time.Second)
	require.True(t, ok, "expected the watcher to enqueue the new file")
	assert.Equal(t, target, task.Path)
	assert.Equal(t, queue.OriginWatcher, task.Origin)
}

func TestWatcher_IgnoresNonMatchingExtension(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMoveQueue(8)
	w := NewWatcher(fsseam.New(), dir, "pcap", q, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	writeAtomically(t, filepath.Join(dir, "readme.txt"), []byte("hello"))

	_, ok := popWithTimeout(t, q, 500*time.Millisecond)
	assert.False(t, ok, "a non-matching extension should never reach the queue")
}

func TestWatcher_DebouncedBurstEnqueuesEveryFile(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMoveQueue(8)
	w := NewWatcher(fsseam.New(), dir, "pcap", q, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)

	names := []string{"a.pcap", "b.pcap", "c.pcap"}
	for _, name := range names {
		writeAtomically(t, filepath.Join(dir, name), []byte("x"))
	}

	// The debounce timer holds the burst until debounceInterval elapses
	// after the last event; every file of the burst must then reach the
	// queue. This does not observe how many flushes took place.
	seen := map[string]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < len(names) && time.Now().Before(deadline) {
		task, ok := popWithTimeout(t, q, 500*time.Millisecond)
		if !ok {
			continue
		}
		seen[filepath.Base(task.Path)] = true
	}
	for _, name := range names {
		assert.True(t, seen[name], "expected %s to have been enqueued", name)
	}
}

func TestWatcher_ContextCancellationStopsRun(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMoveQueue(8)
	w := NewWatcher(fsseam.New(), dir, "pcap", q, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestRunPoll_DetectsNewFile(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMoveQueue(8)
	w := NewWatcher(fsseam.New(), dir, "pcap", q, 50*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.runPoll(ctx) }()

	target := filepath.Join(dir, "poll.pcap")
	writeAtomically(t, target, []byte("data"))

	task, ok := popWithTimeout(t, q, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, target, task.Path)
}

func TestRunPoll_DoesNotDuplicate(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMoveQueue(8)
	w := NewWatcher(fsseam.New(), dir, "pcap", q, 50*time.Millisecond, discardLogger())

	writeAtomically(t, filepath.Join(dir, "dup.pcap"), []byte("data"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.runPoll(ctx) }()

	_, ok := popWithTimeout(t, q, 2*time.Second)
	require.True(t, ok)

	// Several more poll cycles elapse; the file must not be re-enqueued.
	_, ok = popWithTimeout(t, q, 300*time.Millisecond)
	assert.False(t, ok, "a file already seen by the poll fallback should not be queued twice")
}

func TestIsCandidate(t *testing.T) {
	w := NewWatcher(fsseam.New(), "/unused", "pcap", queue.NewMoveQueue(1), time.Second, discardLogger())

	tests := []struct {
		path string
		want bool
	}{
		{"/base/source/a.pcap", true},
		{"/base/source/a.pcap.tmp", false},
		{"/base/source/readme.txt", false},
		{"/base/source/.hidden.pcap", true},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, w.isCandidate(tt.path), "isCandidate(%q)", tt.path)
	}
}

func TestScanExisting_EnqueuesOnlyMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.pcap", "b.pcap", "c.tmp", "d.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	q := queue.NewMoveQueue(8)
	require.NoError(t, ScanExisting(fsseam.New(), dir, "pcap", q, discardLogger()))

	assert.Equal(t, 2, q.Len())
	task, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, queue.OriginScanner, task.Origin)
}

func TestScanExisting_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	q := queue.NewMoveQueue(8)
	require.NoError(t, ScanExisting(fsseam.New(), dir, "pcap", q, discardLogger()))
	assert.Equal(t, 0, q.Len())
}
