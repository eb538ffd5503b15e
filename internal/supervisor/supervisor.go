// Package supervisor owns the daemon's process-wide state transitions
// (Starting -> Running -> Draining -> Stopped), constructs every
// worker in dependency order, and surfaces fatal errors.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitmover/bitmover/internal/audit"
	"github.com/bitmover/bitmover/internal/config"
	"github.com/bitmover/bitmover/internal/fsseam"
	"github.com/bitmover/bitmover/internal/obslog"
	"github.com/bitmover/bitmover/internal/pipeline"
	"github.com/bitmover/bitmover/internal/purger"
	"github.com/bitmover/bitmover/internal/queue"
	"github.com/bitmover/bitmover/internal/uploader"
)

// State is one of the supervisor's process-wide lifecycle states.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "starting"
	}
}

// Directory names under base_dir, fixed by the filesystem layout
// (fixed by the filesystem layout).
const (
	dirSource     = "source"
	dirWorker     = "worker"
	dirUploaded   = "uploaded"
	dirDeadLetter = "dead_letter"
	dirCSV        = "csv"
)

// moveQueueCapacity and uploadQueueCapacity are the default bounded
// default bounded queue sizes.
const (
	moveQueueCapacity   = 1024
	uploadQueueCapacity = 1024
)

// watcherShutdownLead is how far ahead of the other workers the Watcher
// is cancelled during shutdown. Stopping it first ends fsnotify-driven
// additions to the Move queue before the rest of the pipeline is told
// to stop; the Scanner keeps running, and may still enqueue, until
// stage two.
const watcherShutdownLead = 300 * time.Millisecond

// shutdownDrainDeadline bounds how long Scanner/Mover/Uploader/Purger
// get to finish their current unit of work and exit after being
// cancelled, before Run gives up waiting and returns anyway.
const shutdownDrainDeadline = 30 * time.Second

// Supervisor wires the FS seam, config, logging, queues, and every
// worker together and drives the shutdown sequence.
type Supervisor struct {
	cfg *config.Config
	fs  fsseam.FS
	log *slog.Logger

	state   State
	stateMu sync.Mutex

	auditLog *audit.Log
}

// New constructs a Supervisor from a loaded Config. It does not touch
// the filesystem or start any worker; call Run for that.
func New(cfg *config.Config, fs fsseam.FS, log *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, fs: fs, log: log, state: StateStarting}
}

func (s *Supervisor) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	s.log.Info("supervisor state transition", "state", st.String())
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Run starts every worker in dependency order and blocks until ctx is
// cancelled or a fatal error occurs, then drives the shutdown sequence.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateStarting)

	layout := s.layout()
	if err := s.ensureLayout(layout); err != nil {
		return fmt.Errorf("supervisor: ensure layout: %w", err)
	}
	if err := s.verifySameFilesystem(layout); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	auditLog, err := audit.Open(s.cfg.LoggerDir, s.cfg.LogMaxSizeMB, s.cfg.LogMaxBackups)
	if err != nil {
		return fmt.Errorf("supervisor: open audit log: %w", err)
	}
	s.auditLog = auditLog
	defer auditLog.Close()

	moveQ := queue.NewMoveQueue(moveQueueCapacity)
	uploadQ := queue.NewUploadQueue(uploadQueueCapacity)

	watcher := pipeline.NewWatcher(s.fs, layout[dirSource], s.cfg.PCAPExtension, moveQ, s.cfg.EventQueuePollTimeout, s.log)
	scanner := pipeline.NewScanner(s.fs, layout[dirSource], s.cfg.PCAPExtension, moveQ,
		s.cfg.ScannerCheckInterval, s.cfg.LostTimeout, s.cfg.StuckActiveFileTimeout, s.cfg.ScannerStaleTicks, s.log)
	mover := pipeline.NewMover(s.fs, layout[dirSource], layout[dirWorker], moveQ, uploadQ, s.log)

	fatalCh := make(chan error, 1)
	mover.Fatal = func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	up := uploader.New(s.fs, uploadQ, uploader.Config{
		UploadedDir:       layout[dirUploaded],
		DeadLetterDir:     layout[dirDeadLetter],
		RemoteURL:         s.cfg.RemoteHostURL,
		RequestTimeout:    s.cfg.RequestTimeout,
		VerifySSL:         s.cfg.VerifySSL,
		InitialBackoff:    s.cfg.InitialBackoff,
		MaxBackoff:        s.cfg.MaxBackoff,
		PoolSize:          s.cfg.UploaderPoolSize,
		HeartbeatInterval: s.cfg.HeartbeatTargetInterval,
	}, auditLog, s.log)

	pg := purger.New(s.fs, purger.Config{
		BaseDir:                s.cfg.BaseDir,
		UploadedDir:            layout[dirUploaded],
		WorkerDir:              layout[dirWorker],
		SourceDir:              layout[dirSource],
		CSVDir:                 layout[dirCSV],
		DeadLetterDir:          layout[dirDeadLetter],
		PollInterval:           s.cfg.PurgerPollInterval,
		TargetDiskUsagePercent: s.cfg.TargetDiskUsagePercent,
		TotalDiskCapacityBytes: s.cfg.TotalDiskCapacityBytes,
	}, s.log)

	// Orphan recovery + startup reconciliation: anything already in
	// worker/ from a previous crash goes straight to the Upload queue
	// rather than waiting for the first scanner tick.
	s.recoverOrphans(ctx, layout[dirWorker], uploadQ)
	if err := pipeline.ScanExisting(s.fs, layout[dirSource], s.cfg.PCAPExtension, moveQ, s.log); err != nil {
		s.log.Error("startup scan failed", "err", err)
	}

	// The Watcher gets its own context so shutdown can stage it ahead of
	// the rest of the pipeline: it is cancelled first, then
	// Scanner/Mover/Uploader/Purger are cancelled together.
	watcherCtx, cancelWatcher := context.WithCancel(ctx)
	defer cancelWatcher()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := []struct {
		name string
		ctx  context.Context
		run  func(context.Context) error
	}{
		{"watcher", watcherCtx, watcher.Run},
		{"scanner", runCtx, scanner.Run},
		{"mover", runCtx, mover.Run},
		{"uploader", runCtx, up.Run},
		{"purger", runCtx, pg.Run},
	}

	var wg sync.WaitGroup
	workerErrs := make(chan error, len(workers))
	for _, w := range workers {
		wg.Add(1)
		go func(name string, workerCtx context.Context, run func(context.Context) error) {
			defer wg.Done()
			if err := run(workerCtx); err != nil {
				workerErrs <- fmt.Errorf("%s: %w", name, err)
			}
		}(w.name, w.ctx, w.run)
	}

	s.setState(StateRunning)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-fatalCh:
		runErr = err
	case err := <-workerErrs:
		runErr = err
	}

	s.setState(StateDraining)

	// Stage one: stop the Watcher first and give it a head start on
	// exiting before the rest of the pipeline is told to stop.
	cancelWatcher()
	time.Sleep(watcherShutdownLead)

	// Stage two: cancel Scanner/Mover/Uploader/Purger and wait for them
	// to return, bounded by a deadline so a stuck worker cannot hang
	// shutdown forever. Queued tasks are not drained: in-flight uploads
	// are cancelled with runCtx, and files left in worker/ are picked up
	// by recoverOrphans on the next start.
	cancel()
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(shutdownDrainDeadline):
		s.log.Error("shutdown drain deadline exceeded, returning without waiting for all workers", "deadline", shutdownDrainDeadline)
	}

	s.setState(StateStopped)

	return runErr
}

// layout returns the absolute path of every fixed stage directory under
// base_dir.
func (s *Supervisor) layout() map[string]string {
	return map[string]string{
		dirSource:     filepath.Join(s.cfg.BaseDir, dirSource),
		dirWorker:     filepath.Join(s.cfg.BaseDir, dirWorker),
		dirUploaded:   filepath.Join(s.cfg.BaseDir, dirUploaded),
		dirDeadLetter: filepath.Join(s.cfg.BaseDir, dirDeadLetter),
		dirCSV:        filepath.Join(s.cfg.BaseDir, dirCSV),
	}
}

// ensureLayout creates every stage directory and the logger directory,
// idempotently.
func (s *Supervisor) ensureLayout(layout map[string]string) error {
	for _, dir := range layout {
		if err := s.fs.MkdirP(dir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if err := s.fs.MkdirP(s.cfg.LoggerDir); err != nil {
		return fmt.Errorf("create logger directory: %w", err)
	}
	return nil
}

// verifySameFilesystem enforces that all staging directories
// must share a device so stage transitions are atomic renames.
func (s *Supervisor) verifySameFilesystem(layout map[string]string) error {
	var reference uint64
	first := true
	for _, dir := range layout {
		dev, err := s.fs.DeviceID(dir)
		if err != nil {
			return fmt.Errorf("device id for %s: %w", dir, err)
		}
		if first {
			reference = dev
			first = false
			continue
		}
		if dev != reference {
			return fmt.Errorf("directory %s is on a different filesystem than the rest of base_dir", dir)
		}
	}
	return nil
}

// recoverOrphans hands every file already sitting in worker/ from a
// prior crash straight to the Upload queue, shaving recovery time off
// the first scanner tick after a restart.
func (s *Supervisor) recoverOrphans(ctx context.Context, workerDir string, uploadQ *queue.UploadQueue) {
	entries, err := s.fs.ScanDir(workerDir)
	if err != nil {
		if !fsseam.IsNotFound(err) {
			s.log.Error("orphan recovery scan failed", "err", err)
		}
		return
	}
	for _, entry := range entries {
		if entry.Kind != fsseam.KindRegular {
			continue
		}
		task := queue.UploadTask{Path: entry.Path, Size: entry.Size, Attempt: 0, NextRetryAt: time.Time{}}
		if err := uploadQ.Push(ctx, task); err != nil {
			return
		}
	}
	if len(entries) > 0 {
		s.log.Info("recovered orphaned worker files", "count", len(entries))
	}
}

// BuildLogger constructs the process-wide logger per cfg, exposed here
// so cmd/bitmoverd can build it before constructing the Supervisor.
func BuildLogger(cfg *config.Config) (*slog.Logger, error) {
	return obslog.New(obslog.Options{
		Dir:        cfg.LoggerDir,
		Level:      obslog.ParseLevel(cfg.LogLevel),
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
}
