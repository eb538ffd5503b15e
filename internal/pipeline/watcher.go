// Package pipeline implements the Watcher, Scanner, and Mover stages of
// Bitmover's file pipeline: source -> worker, with the Watcher and
// Scanner both feeding the Move queue and the Mover draining it.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bitmover/bitmover/internal/fsseam"
	"github.com/bitmover/bitmover/internal/queue"
)

// debounceInterval coalesces bursts of create events for the same
// directory into a single flush with one timer per directory (no
// per-file goroutines, no thread exhaustion under burst).
const debounceInterval = 200 * time.Millisecond

// Watcher subscribes to filesystem events on the source directory and
// feeds candidate paths onto the Move queue. It is advisory: it may
// miss events under load or kernel-queue overflow, so it never aborts
// the process on failure — the Scanner is the safety net.
type Watcher struct {
	fs        fsseam.FS
	sourceDir string
	extension string
	queue     *queue.MoveQueue
	log       *slog.Logger

	pollInterval time.Duration
}

// NewWatcher constructs a Watcher over sourceDir, filtering to files
// ending in "."+extension.
func NewWatcher(fs fsseam.FS, sourceDir, extension string, q *queue.MoveQueue, pollInterval time.Duration, log *slog.Logger) *Watcher {
	return &Watcher{
		fs:           fs,
		sourceDir:    sourceDir,
		extension:    extension,
		queue:        q,
		pollInterval: pollInterval,
		log:          log.With("component", "watcher"),
	}
}

// Run subscribes to fsnotify events on the source directory and blocks
// until ctx is cancelled. If fsnotify cannot be created or the subscribe
// fails, it falls back to polling at once rather than returning; the
// subscription is not retried.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Error("fsnotify unavailable, falling back to polling", "err", err)
		return w.runPoll(ctx)
	}
	defer fsw.Close()

	if err := fsw.Add(w.sourceDir); err != nil {
		w.log.Error("fsnotify subscribe failed, falling back to polling", "err", err, "dir", w.sourceDir)
		return w.runPoll(ctx)
	}

	debounceTimer := time.NewTimer(debounceInterval)
	debounceTimer.Stop()
	pending := make(map[string]struct{})

	flush := func() {
		for path := range pending {
			w.queue.Push(queue.MoveTask{Path: path, DiscoveredAt: time.Now(), Origin: queue.OriginWatcher})
		}
		pending = make(map[string]struct{})
	}
	defer flush()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			flush()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !w.isCandidate(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(debounceInterval)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("fsnotify event queue overflowed; scanner will reconcile")
				continue
			}
			w.log.Error("fsnotify error", "err", err)
		}
	}
}

// runPoll is the fallback used when fsnotify setup fails outright (e.g.
// an exotic filesystem that doesn't support inotify).
func (w *Watcher) runPoll(ctx context.Context) error {
	interval := w.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.pollOnce(seen)
		}
	}
}

func (w *Watcher) pollOnce(seen map[string]struct{}) {
	// The poll fallback reuses the FS seam directly; any read error is
	// transient and left for the next tick.
	entries, err := w.fs.ScanDir(w.sourceDir)
	if err != nil {
		w.log.Warn("poll scan failed", "err", err)
		return
	}
	for _, entry := range entries {
		if !w.isCandidate(entry.Path) {
			continue
		}
		if _, ok := seen[entry.Path]; ok {
			continue
		}
		seen[entry.Path] = struct{}{}
		w.queue.Push(queue.MoveTask{Path: entry.Path, DiscoveredAt: time.Now(), Origin: queue.OriginWatcher})
	}
}

// isCandidate filters to non-temporary files with the configured
// extension.
func (w *Watcher) isCandidate(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, "."+w.extension)
}

// ScanExisting enqueues every matching file already present in dir at
// startup, so files that arrived while the daemon was down are not
// missed until the first scanner tick.
func ScanExisting(fs fsseam.FS, dir, extension string, q *queue.MoveQueue, log *slog.Logger) error {
	entries, err := fs.ScanDir(dir)
	if err != nil {
		return err
	}
	matched := 0
	for _, entry := range entries {
		if entry.Kind != fsseam.KindRegular || !strings.HasSuffix(entry.Path, "."+extension) {
			continue
		}
		matched++
		q.Push(queue.MoveTask{Path: entry.Path, DiscoveredAt: time.Now(), Origin: queue.OriginScanner})
	}
	log.Info("startup reconciliation complete", "dir", dir, "found", matched)
	return nil
}
