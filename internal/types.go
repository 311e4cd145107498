package internal

import (
	"net/http"
	"time"
)

// ManifestEntry is one required archive from a parsed modlist. Entries are
// immutable after parsing; everything downstream treats them as values.
type ManifestEntry struct {
	ID          string // stable identity, derived from the hosting coordinates
	DisplayName string
	RelPath     string // destination path relative to the download root
	Size        int64  // exact expected size in bytes
	Hash        string // xxh64 digest, little-endian bytes, base64
	GameName    string // hosting namespace on the mod service
	FileID      int64  // hosting file key on the mod service
}

// DirectLink is a short-lived URL produced by the resolver. Links expire
// server-side; ExpiresAt is a conservative local estimate.
type DirectLink struct {
	URL       string
	ExpiresAt time.Time
}

// Session is an immutable snapshot of the browser-derived login state.
// Cookies must not be mutated by consumers.
type Session struct {
	Cookies []*http.Cookie
	Ready   bool
}

// RecordState is the lifecycle state of a single download record.
type RecordState string

const (
	StatePending     RecordState = "pending"
	StateResolving   RecordState = "resolving"
	StateDownloading RecordState = "downloading"
	StateVerifying   RecordState = "verifying"
	StateComplete    RecordState = "complete"
	StateCorrupt     RecordState = "corrupt"
	StateFailed      RecordState = "failed"
)

// Terminal reports whether no further work will be scheduled for the record.
func (s RecordState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// DownloadRecord is the persisted per-entry progress row. BytesWritten only
// counts bytes flushed to the partial file, so a resumed run never re-fetches
// data it already holds.
type DownloadRecord struct {
	JobID        string
	EntryID      string
	DisplayName  string
	State        RecordState
	BytesWritten int64
	AttemptCount int
	LastError    string
	UpdatedAt    time.Time
}

// TransferRequest describes one ranged streaming transfer into a partial file.
type TransferRequest struct {
	Entry      ManifestEntry
	Link       DirectLink
	PartPath   string
	ResumeFrom int64
	// Progress receives the running flushed-byte total at a bounded cadence.
	// May be nil.
	Progress func(bytesWritten int64)
}

// ProgressEvent is a point-in-time report emitted by the coordinator.
type ProgressEvent struct {
	EntryID      string
	DisplayName  string
	State        RecordState
	BytesWritten int64
	ExpectedSize int64
	Speed        float64 // bytes per second, zero outside downloading
	Err          string
}

// ProgressFunc consumes progress events. Implementations must be fast;
// they are called from worker goroutines.
type ProgressFunc func(ProgressEvent)

// FailedEntry identifies one record that ended in the failed state.
type FailedEntry struct {
	EntryID     string
	DisplayName string
	Reason      string
}

// JobSummary is the final outcome of a coordinator run.
type JobSummary struct {
	JobID     string
	Total     int
	Completed int
	Failed    []FailedEntry
	Bytes     int64 // bytes fetched during this run, excluding resumed data
}

// Success reports whether every record reached the complete state.
func (s *JobSummary) Success() bool {
	return len(s.Failed) == 0 && s.Completed == s.Total
}
