// Package config loads and validates Bitmover's INI-style configuration
// file into an immutable Config value used to construct every worker.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config is built once at startup by Load and never mutated afterward.
type Config struct {
	// [Directories]
	BaseDir   string
	LoggerDir string

	// [Files]
	PCAPExtension string
	CSVExtension  string

	// [Mover]
	MovePollInterval time.Duration

	// [Scanner]
	ScannerCheckInterval    time.Duration
	LostTimeout             time.Duration
	StuckActiveFileTimeout  time.Duration
	ScannerStaleTicks       int

	// [Tailer]
	EventQueuePollTimeout time.Duration

	// [Purger]
	PurgerPollInterval     time.Duration
	TargetDiskUsagePercent float64
	TotalDiskCapacityBytes uint64 // 0 => auto-detect

	// [Uploader]
	UploaderPollInterval     time.Duration
	HeartbeatTargetInterval  time.Duration
	RemoteHostURL            string
	RequestTimeout           time.Duration
	VerifySSL                bool
	InitialBackoff           time.Duration
	MaxBackoff               time.Duration
	UploaderPoolSize         int

	// [Observability]
	LogLevel      string
	LogMaxSizeMB  int
	LogMaxBackups int
}

const gigabyte = 1 << 30

// Load reads path as an INI file, applies defaults for every key the
// file omits, and validates the result. It returns every violation it
// finds rather than stopping at the first, so an operator sees the
// whole list of problems in one run.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := Default()

	dirs := f.Section("Directories")
	cfg.BaseDir = dirs.Key("base_dir").MustString(cfg.BaseDir)
	cfg.LoggerDir = dirs.Key("logger_dir").MustString(cfg.LoggerDir)

	files := f.Section("Files")
	cfg.PCAPExtension = strings.TrimPrefix(files.Key("pcap_extension_no_dot").MustString(cfg.PCAPExtension), ".")
	cfg.CSVExtension = strings.TrimPrefix(files.Key("csv_extension_no_dot").MustString(cfg.CSVExtension), ".")

	mover := f.Section("Mover")
	cfg.MovePollInterval = seconds(mover.Key("move_poll_interval_seconds").MustFloat64(cfg.MovePollInterval.Seconds()))

	scanner := f.Section("Scanner")
	cfg.ScannerCheckInterval = seconds(scanner.Key("scanner_check_seconds").MustFloat64(cfg.ScannerCheckInterval.Seconds()))
	cfg.LostTimeout = seconds(scanner.Key("lost_timeout_seconds").MustFloat64(cfg.LostTimeout.Seconds()))
	cfg.StuckActiveFileTimeout = seconds(scanner.Key("stuck_active_file_timeout_seconds").MustFloat64(cfg.StuckActiveFileTimeout.Seconds()))
	cfg.ScannerStaleTicks = scanner.Key("scanner_stale_ticks").MustInt(cfg.ScannerStaleTicks)

	tailer := f.Section("Tailer")
	cfg.EventQueuePollTimeout = seconds(tailer.Key("event_queue_poll_timeout_seconds").MustFloat64(cfg.EventQueuePollTimeout.Seconds()))

	purger := f.Section("Purger")
	cfg.PurgerPollInterval = seconds(purger.Key("purger_poll_interval_seconds").MustFloat64(cfg.PurgerPollInterval.Seconds()))
	cfg.TargetDiskUsagePercent = purger.Key("target_disk_usage_percent").MustFloat64(cfg.TargetDiskUsagePercent)
	capacityGB := purger.Key("total_disk_capacity_bytes").MustFloat64(0)
	if capacityGB > 0 {
		cfg.TotalDiskCapacityBytes = uint64(capacityGB * gigabyte)
	}

	uploader := f.Section("Uploader")
	cfg.UploaderPollInterval = seconds(uploader.Key("uploader_poll_interval_seconds").MustFloat64(cfg.UploaderPollInterval.Seconds()))
	cfg.HeartbeatTargetInterval = seconds(uploader.Key("heartbeat_target_interval_s").MustFloat64(cfg.HeartbeatTargetInterval.Seconds()))
	cfg.RemoteHostURL = uploader.Key("remote_host_url").MustString(cfg.RemoteHostURL)
	cfg.RequestTimeout = seconds(uploader.Key("request_timeout").MustFloat64(cfg.RequestTimeout.Seconds()))
	cfg.VerifySSL = uploader.Key("verify_ssl").MustBool(cfg.VerifySSL)
	cfg.InitialBackoff = seconds(uploader.Key("initial_backoff").MustFloat64(cfg.InitialBackoff.Seconds()))
	cfg.MaxBackoff = seconds(uploader.Key("max_backoff").MustFloat64(cfg.MaxBackoff.Seconds()))
	cfg.UploaderPoolSize = uploader.Key("uploader_pool_size").MustInt(cfg.UploaderPoolSize)

	obs := f.Section("Observability")
	cfg.LogLevel = obs.Key("log_level").MustString(cfg.LogLevel)
	cfg.LogMaxSizeMB = obs.Key("log_max_size_mb").MustInt(cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = obs.Key("log_max_backups").MustInt(cfg.LogMaxBackups)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the baseline Config that Load overlays file values
// onto, mirroring chainwatch's DefaultConfig-then-overlay pattern.
func Default() Config {
	return Config{
		PCAPExtension:           "pcap",
		CSVExtension:            "csv",
		MovePollInterval:        2 * time.Second,
		ScannerCheckInterval:    30 * time.Second,
		LostTimeout:             60 * time.Second,
		StuckActiveFileTimeout:  600 * time.Second,
		ScannerStaleTicks:       5,
		EventQueuePollTimeout:   5 * time.Second,
		PurgerPollInterval:      60 * time.Second,
		TargetDiskUsagePercent:  0.8,
		UploaderPollInterval:    1 * time.Second,
		HeartbeatTargetInterval: 5 * time.Minute,
		RequestTimeout:          30 * time.Second,
		VerifySSL:               true,
		InitialBackoff:          1 * time.Second,
		MaxBackoff:              5 * time.Minute,
		UploaderPoolSize:        1,
		LogLevel:                "info",
		LogMaxSizeMB:            100,
		LogMaxBackups:           5,
	}
}

// Validate aggregates every violation rather than returning on the
// first, so a misconfigured operator sees the whole list in one pass.
func (c Config) Validate() error {
	var problems []string

	check := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be > 0 (got %s)", name, d))
		}
	}
	check("move_poll_interval_seconds", c.MovePollInterval)
	check("scanner_check_seconds", c.ScannerCheckInterval)
	check("lost_timeout_seconds", c.LostTimeout)
	check("stuck_active_file_timeout_seconds", c.StuckActiveFileTimeout)
	check("event_queue_poll_timeout_seconds", c.EventQueuePollTimeout)
	check("purger_poll_interval_seconds", c.PurgerPollInterval)
	check("uploader_poll_interval_seconds", c.UploaderPollInterval)
	check("heartbeat_target_interval_s", c.HeartbeatTargetInterval)
	check("request_timeout", c.RequestTimeout)
	check("initial_backoff", c.InitialBackoff)
	check("max_backoff", c.MaxBackoff)

	if c.StuckActiveFileTimeout <= c.LostTimeout {
		problems = append(problems, "stuck_active_file_timeout_seconds must be > lost_timeout_seconds")
	}
	if !(c.TargetDiskUsagePercent > 0 && c.TargetDiskUsagePercent < 1) {
		problems = append(problems, "target_disk_usage_percent must be in (0, 1)")
	}
	if c.InitialBackoff > c.MaxBackoff {
		problems = append(problems, "initial_backoff must be <= max_backoff")
	}
	if c.BaseDir == "" {
		problems = append(problems, "base_dir is required")
	}
	if c.LoggerDir == "" {
		problems = append(problems, "logger_dir is required")
	}
	if c.UploaderPoolSize <= 0 {
		problems = append(problems, "uploader_pool_size must be > 0")
	}

	u, err := url.ParseRequestURI(c.RemoteHostURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("remote_host_url must be a well-formed absolute URL (got %q)", c.RemoteHostURL))
	}

	if len(problems) > 0 {
		return &InvalidError{Problems: problems}
	}
	return nil
}

// InvalidError reports every validation failure found in one Config,
// not just the first.
type InvalidError struct {
	Problems []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config: invalid (%d problem(s)): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
