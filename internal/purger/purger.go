// Package purger implements the Purger stage: it periodically measures
// disk usage under the base directory and deletes the oldest regular
// files under uploaded/ then worker/ until usage is back at or below
// target.
package purger

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/bitmover/bitmover/internal/fsseam"
)

// Config parameterizes the Purger.
type Config struct {
	BaseDir                string
	UploadedDir            string
	WorkerDir              string
	SourceDir              string
	CSVDir                 string
	DeadLetterDir          string
	PollInterval           time.Duration
	TargetDiskUsagePercent float64
	TotalDiskCapacityBytes uint64 // 0 => auto-detect via fs.DiskUsage
}

// Purger runs on its own tick and is the only component permitted to
// delete files, restricted to uploaded/ then worker/.
type Purger struct {
	fs  fsseam.FS
	cfg Config
	log *slog.Logger
}

// New constructs a Purger.
func New(fs fsseam.FS, cfg Config, log *slog.Logger) *Purger {
	return &Purger{fs: fs, cfg: cfg, log: log.With("component", "purger")}
}

// Run ticks every cfg.PollInterval until ctx is cancelled.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick implements the measure-then-delete-down algorithm.
func (p *Purger) tick() {
	total := p.cfg.TotalDiskCapacityBytes
	if total == 0 {
		usage, err := p.fs.DiskUsage(p.cfg.BaseDir)
		if err != nil {
			p.log.Error("disk usage query failed", "err", err)
			return
		}
		total = usage.TotalBytes
	}
	if total == 0 {
		p.log.Warn("purger tick skipped: total capacity unknown")
		return
	}

	used, err := p.usedBytes()
	if err != nil {
		p.log.Error("used-bytes computation failed", "err", err)
		return
	}

	usedRatio := float64(used) / float64(total)
	if usedRatio <= p.cfg.TargetDiskUsagePercent {
		return
	}

	targetUsed := uint64(p.cfg.TargetDiskUsagePercent * float64(total))
	deleted, bytesFreed, considered := p.deleteDown(used, targetUsed)

	finalRatio := float64(used-bytesFreed) / float64(total)
	p.log.Info("purge tick complete",
		"considered", considered,
		"deleted", deleted,
		"bytes_freed", humanize.Bytes(bytesFreed),
		"final_usage", finalRatio,
	)
}

// usedBytes sums regular-file sizes under every stage directory,
// matching the usedBytes accounting the purger acts on.
func (p *Purger) usedBytes() (uint64, error) {
	dirs := []string{p.cfg.SourceDir, p.cfg.WorkerDir, p.cfg.UploadedDir, p.cfg.DeadLetterDir, p.cfg.CSVDir}
	var total uint64
	for _, dir := range dirs {
		entries, err := p.fs.ScanDir(dir)
		if err != nil {
			if fsseam.IsNotFound(err) {
				continue
			}
			return 0, err
		}
		for _, e := range entries {
			if e.Kind == fsseam.KindRegular {
				total += uint64(e.Size)
			}
		}
	}
	return total, nil
}

// deleteDown deletes from uploaded/ then worker/, in mtime-asc,
// size-asc, path-asc order, until used drops to target or candidates
// run out. Returns count deleted, bytes freed, and files considered.
func (p *Purger) deleteDown(used, target uint64) (deleted int, bytesFreed uint64, considered int) {
	for _, dir := range []string{p.cfg.UploadedDir, p.cfg.WorkerDir} {
		if used-bytesFreed <= target {
			return
		}
		entries, err := p.fs.ScanDir(dir)
		if err != nil {
			if !fsseam.IsNotFound(err) {
				p.log.Error("scan failed during purge", "dir", dir, "err", err)
			}
			continue
		}
		candidates := lo.Filter(entries, func(e fsseam.Entry, _ int) bool { return e.Kind == fsseam.KindRegular })
		sortCandidates(candidates)
		considered += len(candidates)

		for _, entry := range candidates {
			if used-bytesFreed <= target {
				return
			}
			if err := p.fs.Unlink(entry.Path); err != nil {
				p.log.Error("unlink failed", "path", entry.Path, "err", err)
				continue
			}
			deleted++
			bytesFreed += uint64(entry.Size)
		}
	}
	return
}

// sortCandidates imposes a stable, deterministic deletion order
// tests against: mtime ascending, then size ascending, then path.
func sortCandidates(entries []fsseam.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Mtime.Equal(b.Mtime) {
			return a.Mtime.Before(b.Mtime)
		}
		if a.Size != b.Size {
			return a.Size < b.Size
		}
		return filepath.Base(a.Path) < filepath.Base(b.Path)
	})
}
