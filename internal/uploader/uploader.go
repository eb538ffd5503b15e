// Package uploader implements the Uploader stage: a pool of worker
// goroutines that POST files from worker/ to the remote ingestion
// endpoint, classify the outcome, and retry transient failures with
// exponential backoff and equal jitter.
package uploader

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/marusama/semaphore/v2"

	"github.com/bitmover/bitmover/internal/audit"
	"github.com/bitmover/bitmover/internal/fsseam"
	"github.com/bitmover/bitmover/internal/queue"
)

// Config parameterizes the uploader pool.
type Config struct {
	UploadedDir          string
	DeadLetterDir        string
	RemoteURL            string
	RequestTimeout       time.Duration
	VerifySSL            bool
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	PoolSize             int
	HeartbeatInterval    time.Duration
}

// Uploader drains the Upload queue with a bounded pool of workers.
type Uploader struct {
	fs    fsseam.FS
	q     *queue.UploadQueue
	cfg   Config
	audit *audit.Log
	log   *slog.Logger
	http  *http.Client
	sem   semaphore.Semaphore
}

// New constructs an Uploader.
func New(fs fsseam.FS, q *queue.UploadQueue, cfg Config, auditLog *audit.Log, log *slog.Logger) *Uploader {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	transport := &http.Transport{}
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		log.Warn("TLS certificate verification disabled for uploads")
	}
	return &Uploader{
		fs:    fs,
		q:     q,
		cfg:   cfg,
		audit: auditLog,
		log:   log.With("component", "uploader"),
		http:  &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		sem:   semaphore.New(cfg.PoolSize),
	}
}

// Run spawns cfg.PoolSize workers and blocks until ctx is cancelled and
// every worker has exited.
func (u *Uploader) Run(ctx context.Context) error {
	done := make(chan struct{}, u.cfg.PoolSize)
	for i := 0; i < u.cfg.PoolSize; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			u.workerLoop(ctx, id)
		}(i)
	}
	for i := 0; i < u.cfg.PoolSize; i++ {
		<-done
	}
	return nil
}

type heartbeatCounters struct {
	attempts  int
	successes int
	failures  int
}

func (u *Uploader) workerLoop(ctx context.Context, id int) {
	log := u.log.With("worker", id)
	counters := heartbeatCounters{}
	lastHeartbeat := time.Now()

	emitHeartbeat := func() {
		log.Info("heartbeat",
			"attempts", counters.attempts,
			"successes", counters.successes,
			"failures", counters.failures,
			"queue_depth", u.q.Len(),
		)
		counters = heartbeatCounters{}
		lastHeartbeat = time.Now()
	}

	for {
		task, ok := u.popNext(ctx, &lastHeartbeat, emitHeartbeat)
		if !ok {
			return
		}

		if err := u.sem.Acquire(ctx, 1); err != nil {
			return
		}

		if wait := time.Until(task.NextRetryAt); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				u.sem.Release(1)
				return
			case <-t.C:
			}
		}

		counters.attempts++
		if u.attempt(ctx, task, log) {
			counters.successes++
		} else {
			counters.failures++
		}
		u.sem.Release(1)
	}
}

// popNext blocks until a task is available or ctx is cancelled, but
// never for longer than what remains until the next heartbeat is due —
// when that wait elapses with nothing queued, it emits the heartbeat
// (if due) and loops, so an idle worker still reports on schedule
// instead of only ever heartbeating right after a task completes.
func (u *Uploader) popNext(ctx context.Context, lastHeartbeat *time.Time, emitHeartbeat func()) (queue.UploadTask, bool) {
	interval := u.cfg.HeartbeatInterval
	if interval <= 0 {
		return u.q.Pop(ctx)
	}
	for {
		remaining := interval - time.Since(*lastHeartbeat)
		if remaining <= 0 {
			emitHeartbeat()
			remaining = interval
		}

		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		task, ok := u.q.Pop(waitCtx)
		cancel()
		if ok {
			return task, true
		}
		if ctx.Err() != nil {
			return queue.UploadTask{}, false
		}
		// Only the per-iteration wait expired; ctx itself is still live.
	}
}

// attempt performs one upload attempt for task, classifying the outcome
// and either completing or requeueing it. Returns true if the task
// reached a terminal state (uploaded, dead-lettered, or already gone)
// and false if it was requeued.
func (u *Uploader) attempt(ctx context.Context, task queue.UploadTask, log *slog.Logger) bool {
	task.Attempt++
	name := filepath.Base(task.Path)
	attemptID := uuid.NewString()

	body, err := u.fs.OpenRead(task.Path)
	if err != nil {
		if fsseam.IsNotFound(err) {
			// Purger or a previous attempt already moved it; benign.
			u.recordEntry(attemptID, audit.EventPurgedBeforeUpload, name, task.Size, task.Attempt, nil, nil, nil)
			return true
		}
		log.Error("open failed", "path", task.Path, "err", err)
		u.requeueTransient(task)
		return false
	}

	buf, readErr := io.ReadAll(body)
	body.Close()
	if readErr != nil {
		log.Error("read failed", "path", task.Path, "err", readErr)
		u.requeueTransient(task)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.RemoteURL, bytes.NewReader(buf))
	if err != nil {
		log.Error("request construction failed", "err", err)
		u.requeueTransient(task)
		return false
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", name)

	start := time.Now()
	resp, err := u.http.Do(req)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		errStr := err.Error()
		u.recordEntry(attemptID, audit.EventUploadFailureTransient, name, task.Size, task.Attempt, nil, &errStr, &duration)
		log.Warn("upload transport error, retrying", "path", task.Path, "err", err, "attempt", task.Attempt)
		u.requeueTransient(task)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		if err := u.fs.Rename(task.Path, filepath.Join(u.cfg.UploadedDir, name)); err != nil {
			log.Error("post-upload rename failed", "path", task.Path, "err", err)
		}
		u.recordEntry(attemptID, audit.EventUploadSuccess, name, task.Size, task.Attempt, &status, nil, &duration)
		log.Info("uploaded", "path", task.Path, "size", humanize.Bytes(uint64(task.Size)), "attempt", task.Attempt)
		return true

	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		u.recordEntry(attemptID, audit.EventUploadFailureTransient, name, task.Size, task.Attempt, &status, nil, &duration)
		log.Warn("upload transient failure, retrying", "path", task.Path, "status", status, "attempt", task.Attempt)
		u.requeueTransient(task)
		return false

	default:
		reason := fmt.Sprintf("HttpStatus(%d)", status)
		if err := u.fs.Rename(task.Path, filepath.Join(u.cfg.DeadLetterDir, name)); err != nil {
			log.Error("dead-letter rename failed", "path", task.Path, "err", err)
		}
		u.recordEntry(attemptID, audit.EventUploadFailurePermanent, name, task.Size, task.Attempt, &status, &reason, &duration)
		log.Warn("upload permanently failed, dead-lettered", "path", task.Path, "status", status)
		return true
	}
}

// requeueTransient computes the next retry delay with equal jitter and
// pushes task back onto the queue. Blocking on a full queue is the
// intended backpressure.
func (u *Uploader) requeueTransient(task queue.UploadTask) {
	delay := nextBackoff(u.cfg.InitialBackoff, u.cfg.MaxBackoff, task.PrevDelay, task.Attempt)
	task.PrevDelay = delay
	task.NextRetryAt = time.Now().Add(delay)
	// Best-effort requeue with a background context: upload queue
	// capacity is large enough in practice that this does not block
	// indefinitely, and silently dropping a retryable task would be worse.
	_ = u.q.Push(context.Background(), task)
}

// nextBackoff computes min(maxBackoff, initialBackoff*2^(attempt-1)),
// then applies equal jitter: the returned delay is drawn from
// [capped/2, capped], never below prevDelay. Plain full jitter (drawing
// uniformly from [0, capped]) lets a later attempt draw a shorter delay
// than an earlier one purely by chance; flooring at capped/2 and at
// prevDelay keeps the scheduled delay non-decreasing across an upload
// task's retry sequence.
func nextBackoff(initial, max, prevDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	capped := initial << uint(attempt-1)
	if capped <= 0 || capped > max {
		capped = max
	}

	floor := capped / 2
	if floor < prevDelay {
		floor = prevDelay
	}
	if floor > capped {
		floor = capped
	}

	spread := capped - floor
	if spread <= 0 {
		return floor
	}
	return floor + time.Duration(rand.Int63n(int64(spread)+1))
}

func (u *Uploader) recordEntry(attemptID string, event audit.Event, file string, size int64, attempt int, status *int, errStr *string, durationMs *int64) {
	if u.audit == nil {
		return
	}
	entry := audit.Entry{
		AttemptID:  attemptID,
		Event:      event,
		File:       file,
		SizeBytes:  size,
		Attempt:    attempt,
		URL:        u.cfg.RemoteURL,
		StatusCode: status,
		Error:      errStr,
		DurationMs: durationMs,
	}
	if err := u.audit.Record(entry); err != nil {
		u.log.Error("audit record failed", "err", err)
	}
}
