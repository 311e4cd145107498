package internal

import "context"

// LinkResolver exchanges a manifest entry for a short-lived direct link
// using the caller-supplied session snapshot.
type LinkResolver interface {
	Resolve(ctx context.Context, entry ManifestEntry, session Session) (*DirectLink, error)
}

// TransferEngine streams one resolved link into a partial file. It returns
// the total number of bytes present in the partial file when it stops,
// whether or not it stopped cleanly.
type TransferEngine interface {
	Transfer(ctx context.Context, req TransferRequest) (int64, error)
}

// IntegrityVerifier checks a fully written file against its manifest
// expectations. It never modifies the file.
type IntegrityVerifier interface {
	Verify(path string, expectedSize int64, expectedHash string) error
}

// SessionSource provides session snapshots and a way to block until the
// session first becomes usable.
type SessionSource interface {
	Session() Session
	AwaitReady(ctx context.Context) error
}

// RecordStore persists jobs and their download records across process runs.
type RecordStore interface {
	EnsureJob(ctx context.Context, manifestPath, destRoot string) (string, error)
	EnsureRecord(ctx context.Context, jobID string, entry ManifestEntry) (*DownloadRecord, error)
	SaveRecord(ctx context.Context, rec *DownloadRecord) error
	ListRecords(ctx context.Context, jobID string) ([]DownloadRecord, error)
	DiscardJob(ctx context.Context, jobID string) error
}

// RateLimiter throttles transfer bandwidth. Wait blocks until n bytes may
// be consumed or the context is done.
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(bytesPerSecond int64)
}
