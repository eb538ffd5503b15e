package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bitmover/bitmover/internal/fsseam"
	"github.com/bitmover/bitmover/internal/queue"
)

// maxMoveAttempts bounds how many times the Mover will retry a rename
// that keeps failing with a generic (non-NotFound, non-CrossDevice)
// error before giving up and dropping the task — a persistent error
// (e.g. permission denied on worker/) must not retry forever.
const maxMoveAttempts = 5

// moveRetryBackoff is the delay applied per attempt before a failed
// rename is requeued, linear in the attempt count rather than
// re-pushing immediately and busy-looping on a persistent error.
const moveRetryBackoff = 1 * time.Second

// Mover drains the Move queue and renames eligible files from source/
// into worker/, emitting an UploadTask on success. It is single
// goroutine by design: rename ordering within one directory is trivially
// serialized without locking.
type Mover struct {
	fs        fsseam.FS
	sourceDir string
	workerDir string
	moveQ     *queue.MoveQueue
	uploadQ   *queue.UploadQueue
	log       *slog.Logger

	// Fatal is invoked when the Mover observes an invariant breach
	// (cross-device rename) that the supervisor must escalate.
	Fatal func(error)
}

// NewMover constructs a Mover.
func NewMover(fs fsseam.FS, sourceDir, workerDir string, moveQ *queue.MoveQueue, uploadQ *queue.UploadQueue, log *slog.Logger) *Mover {
	return &Mover{
		fs:        fs,
		sourceDir: sourceDir,
		workerDir: workerDir,
		moveQ:     moveQ,
		uploadQ:   uploadQ,
		log:       log.With("component", "mover"),
		Fatal:     func(error) {},
	}
}

// Run drains the Move queue until ctx is cancelled.
func (m *Mover) Run(ctx context.Context) error {
	for {
		task, ok := m.moveQ.Pop(ctx)
		if !ok {
			return nil
		}
		m.process(ctx, task)
	}
}

func (m *Mover) process(ctx context.Context, task queue.MoveTask) {
	entry, err := m.fs.Lstat(task.Path)
	if err != nil {
		if fsseam.IsNotFound(err) {
			// Already handled elsewhere (e.g. beaten by another origin).
			return
		}
		m.log.Error("lstat failed", "path", task.Path, "err", err)
		return
	}
	if entry.Kind != fsseam.KindRegular {
		m.log.Warn("dropping non-regular file", "path", task.Path)
		return
	}

	name := filepath.Base(task.Path)
	dst := filepath.Join(m.workerDir, name)

	// Idempotency: another path (watcher vs. scanner racing the same
	// file) may have already delivered this name into worker/.
	if m.fs.Exists(dst) {
		return
	}

	if err := m.fs.Rename(task.Path, dst); err != nil {
		switch {
		case fsseam.IsNotFound(err):
			return
		case fsseam.IsCrossDevice(err):
			// source/ and worker/ must share a filesystem for this rename
			// to be atomic. This is a configuration error, not a runtime
			// condition to recover from.
			m.log.Error("cross-device rename, source/worker not on same filesystem", "path", task.Path, "err", err)
			m.Fatal(err)
			return
		default:
			task.Attempt++
			if task.Attempt >= maxMoveAttempts {
				m.log.Error("rename failed, giving up after max attempts", "path", task.Path, "err", err, "attempts", task.Attempt)
				return
			}
			backoff := time.Duration(task.Attempt) * moveRetryBackoff
			m.log.Error("rename failed, retrying after backoff", "path", task.Path, "err", err, "attempt", task.Attempt, "backoff", backoff)
			time.AfterFunc(backoff, func() { m.moveQ.Push(task) })
			return
		}
	}

	upload := queue.UploadTask{Path: dst, Size: entry.Size, Attempt: 0, NextRetryAt: time.Time{}}
	if err := m.uploadQ.Push(ctx, upload); err != nil {
		// Shutdown in progress; the file stays in worker/ for the
		// supervisor's orphan recovery to pick up on the next start.
		return
	}
}
