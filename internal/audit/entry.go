package audit

// Event names the kind of upload-pipeline event an Entry records.
type Event string

const (
	EventUploadAttempt          Event = "upload_attempt"
	EventUploadSuccess          Event = "upload_success"
	EventUploadFailureTransient Event = "upload_failure_transient"
	EventUploadFailurePermanent Event = "upload_failure_permanent"
	EventPurgedBeforeUpload     Event = "purged_before_upload"
)

// Entry is one line in the append-only JSONL audit log: one object per
// upload attempt, matching the record schema operators and tests key
// off of.
type Entry struct {
	Timestamp string `json:"ts"`
	// AttemptID is a fresh UUID per upload attempt, letting an operator
	// correlate one retried task's scattered log lines across a
	// transient-failure/retry sequence without relying on file path
	// alone (a path can be reused after dead-lettering and resubmission).
	AttemptID  string  `json:"attempt_id"`
	Event      Event   `json:"event"`
	File       string  `json:"file"`
	SizeBytes  int64   `json:"size_bytes"`
	Attempt    int     `json:"attempt"`
	URL        string  `json:"url"`
	StatusCode *int    `json:"status_code"`
	Error      *string `json:"error"`
	DurationMs *int64  `json:"duration_ms"`
}
