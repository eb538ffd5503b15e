package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validINI = `
[Directories]
base_dir = /var/lib/bitmover
logger_dir = /var/log/bitmover

[Files]
pcap_extension_no_dot = pcap
csv_extension_no_dot = csv

[Mover]
move_poll_interval_seconds = 2

[Scanner]
scanner_check_seconds = 30
lost_timeout_seconds = 60
stuck_active_file_timeout_seconds = 600

[Tailer]
event_queue_poll_timeout_seconds = 5

[Purger]
purger_poll_interval_seconds = 60
target_disk_usage_percent = 0.8
total_disk_capacity_bytes = 0

[Uploader]
uploader_poll_interval_seconds = 1
heartbeat_target_interval_s = 300
remote_host_url = https://ingest.example.com/upload
request_timeout = 30
verify_ssl = true
initial_backoff = 1
max_backoff = 300
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bitmover.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeTempConfig(t, validINI)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/bitmover", cfg.BaseDir)
	assert.Equal(t, "pcap", cfg.PCAPExtension)
	assert.Equal(t, 60*time.Second, cfg.LostTimeout)
	assert.Equal(t, 600*time.Second, cfg.StuckActiveFileTimeout)
	assert.Equal(t, "https://ingest.example.com/upload", cfg.RemoteHostURL)
	assert.Equal(t, 1, cfg.UploaderPoolSize, "default pool size applies when key is absent")
}

func TestLoad_CapacityIsGigabytes(t *testing.T) {
	body := validINI + "\n[Purger]\ntotal_disk_capacity_bytes = 2\n"
	path := writeTempConfig(t, body)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2)*gigabyte, cfg.TotalDiskCapacityBytes)
}

func TestValidate_StuckMustExceedLost(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = "/base"
	cfg.LoggerDir = "/logs"
	cfg.RemoteHostURL = "https://example.com/ingest"
	cfg.LostTimeout = 600 * time.Second
	cfg.StuckActiveFileTimeout = 60 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck_active_file_timeout_seconds must be > lost_timeout_seconds")
}

func TestValidate_AggregatesAllProblems(t *testing.T) {
	cfg := Config{} // everything zero-valued: every rule should fire

	err := cfg.Validate()
	require.Error(t, err)
	invalid, ok := err.(*InvalidError)
	require.True(t, ok)
	assert.Greater(t, len(invalid.Problems), 3, "Validate should report every violation, not just the first")
}

func TestValidate_BackoffOrdering(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = "/base"
	cfg.LoggerDir = "/logs"
	cfg.RemoteHostURL = "https://example.com/ingest"
	cfg.InitialBackoff = 10 * time.Second
	cfg.MaxBackoff = 5 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_backoff must be <= max_backoff")
}

func TestValidate_RemoteURLMustBeAbsolute(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = "/base"
	cfg.LoggerDir = "/logs"
	cfg.RemoteHostURL = "not-a-url"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote_host_url")
}
