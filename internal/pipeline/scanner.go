package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/bitmover/bitmover/internal/fsseam"
	"github.com/bitmover/bitmover/internal/queue"
)

// seenEntry tracks the last observed size for a path across ticks. The
// size is recorded each tick; classification in tick is by mtime age
// alone and does not depend on it.
type seenEntry struct {
	size int64
}

// Scanner is the periodic safety net over the source directory: it
// rescues files the Watcher missed (Lost), flags files abandoned by a
// crashed producer (Stuck), and otherwise leaves still-growing files
// alone (Active).
type Scanner struct {
	fs        fsseam.FS
	sourceDir string
	extension string
	queue     *queue.MoveQueue
	log       *slog.Logger

	checkInterval time.Duration
	lostTimeout   time.Duration
	stuckTimeout  time.Duration

	seen *ttlcache.Cache[string, seenEntry]
}

// NewScanner constructs a Scanner. staleTicks bounds how many ticks an
// unseen path's growth-tracking entry survives before eviction.
func NewScanner(fs fsseam.FS, sourceDir, extension string, q *queue.MoveQueue, checkInterval, lostTimeout, stuckTimeout time.Duration, staleTicks int, log *slog.Logger) *Scanner {
	if staleTicks <= 0 {
		staleTicks = 5
	}
	seen := ttlcache.New[string, seenEntry](
		ttlcache.WithTTL[string, seenEntry](time.Duration(staleTicks) * checkInterval),
	)
	go seen.Start()

	return &Scanner{
		fs:            fs,
		sourceDir:     sourceDir,
		extension:     extension,
		queue:         q,
		checkInterval: checkInterval,
		lostTimeout:   lostTimeout,
		stuckTimeout:  stuckTimeout,
		seen:          seen,
		log:           log.With("component", "scanner"),
	}
}

// Run ticks every checkInterval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	defer s.seen.Stop()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick implements the Active/Lost/Stuck classification algorithm.
func (s *Scanner) tick() {
	entries, err := s.fs.ScanDir(s.sourceDir)
	if err != nil {
		s.log.Error("scan failed", "dir", s.sourceDir, "err", err)
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.Kind != fsseam.KindRegular || !strings.HasSuffix(entry.Path, "."+s.extension) {
			continue
		}
		age := now.Sub(entry.Mtime)

		item := s.seen.Get(entry.Path)
		grew := item == nil || item.Value().size != entry.Size
		s.seen.Set(entry.Path, seenEntry{size: entry.Size}, ttlcache.DefaultTTL)

		switch {
		case age <= s.lostTimeout:
			// Active: still within the normal generation window. Left
			// for the watcher or a future tick whether or not its size
			// changed since the last tick.
			_ = grew
			continue

		case age <= s.stuckTimeout:
			s.log.Debug("rescuing lost file", "path", entry.Path, "age", age)
			s.queue.Push(queue.MoveTask{Path: entry.Path, DiscoveredAt: now, Origin: queue.OriginScanner})

		default:
			s.log.Warn("stuck file detected, attempting anyway", "path", entry.Path, "age", age)
			s.queue.Push(queue.MoveTask{Path: entry.Path, DiscoveredAt: now, Origin: queue.OriginScanner})
		}
	}
}
