package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is an append-only JSONL audit log, one object per upload attempt.
// Rotation is delegated to lumberjack instead of growing the file
// forever. Unlike the hash-chained, explicitly-synced audit trail this
// was adapted from, writes here rely on the OS page cache and
// lumberjack's periodic file rotation rather than an fsync per record —
// lumberjack.Logger doesn't expose one, and a sync on every line would
// make the audit log a throughput bottleneck under load.
type Log struct {
	path string
	file *lumberjack.Logger
	mu   sync.Mutex
}

// Open opens (or creates) audit.log.jsonl under dir for appending.
func Open(dir string, maxSizeMB, maxBackups int) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	path := filepath.Join(dir, "audit.log.jsonl")
	return &Log{
		path: path,
		file: &lumberjack.Logger{Filename: path, MaxSize: maxSizeMB, MaxBackups: maxBackups},
	}, nil
}

// Record appends entry as one JSON line. The write goes to the OS page
// cache; Record does not fsync before returning.
func (l *Log) Record(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
