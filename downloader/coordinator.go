package downloader

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
	"github.com/Johnny-Darko/WabbaDownloader/utils"
)

// partSuffix marks in-flight staging files next to their destination.
const partSuffix = ".part"

// CoordinatorDeps bundles the components a coordinator drives.
type CoordinatorDeps struct {
	Store    internal.RecordStore
	Resolver internal.LinkResolver
	Engine   internal.TransferEngine
	Verifier internal.IntegrityVerifier
	Session  internal.SessionSource
	Logger   *logrus.Logger
	Progress internal.ProgressFunc // may be nil
}

// Coordinator owns the download queue and drives every record through its
// state machine with a bounded worker pool. At most one worker touches a
// record at a time, and one failing entry never stops the others.
type Coordinator struct {
	deps CoordinatorDeps

	workers          int
	maxAttempts      int
	backoffBase      time.Duration
	backoffMax       time.Duration
	rateLimitBackoff time.Duration

	runBytes    int64 // bytes fetched during this run
	outstanding int32
	queue       chan *task
}

type task struct {
	entry     internal.ManifestEntry
	rec       *internal.DownloadRecord
	finalPath string
	partPath  string
	rateWaits int

	lastBytes int64
	lastTime  time.Time
}

// NewCoordinator builds a coordinator from cfg and its dependencies.
func NewCoordinator(cfg *internal.Config, deps CoordinatorDeps) *Coordinator {
	return &Coordinator{
		deps:             deps,
		workers:          cfg.Workers,
		maxAttempts:      cfg.MaxAttempts,
		backoffBase:      cfg.RetryBaseDelay,
		backoffMax:       cfg.RetryMaxDelay,
		rateLimitBackoff: cfg.RateLimitBackoff,
	}
}

// Run drives every entry to a terminal state and returns the outcome. It
// returns ctx.Err() on cancellation; per-entry failures are reported in the
// summary, not as an error.
func (c *Coordinator) Run(ctx context.Context, manifestPath, destRoot string, entries []internal.ManifestEntry) (*internal.JobSummary, error) {
	jobID, err := c.deps.Store.EnsureJob(ctx, manifestPath, destRoot)
	if err != nil {
		return nil, err
	}

	tasks := make([]*task, 0, len(entries))
	var pending []*task
	for _, entry := range entries {
		rec, err := c.deps.Store.EnsureRecord(ctx, jobID, entry)
		if err != nil {
			return nil, err
		}
		t := &task{
			entry:     entry,
			rec:       rec,
			finalPath: filepath.Join(destRoot, entry.RelPath),
			partPath:  filepath.Join(destRoot, entry.RelPath+partSuffix),
		}
		c.prescan(t)
		tasks = append(tasks, t)
		if !t.rec.State.Terminal() {
			pending = append(pending, t)
		}
	}

	// Each task occupies at most one queue slot at a time, so the buffer
	// never blocks a delayed requeue.
	c.queue = make(chan *task, len(entries)+1)
	c.outstanding = int32(len(pending))
	if len(pending) == 0 {
		close(c.queue)
	}
	for _, t := range pending {
		c.queue <- t
	}

	var wg sync.WaitGroup
	workers := c.workers
	if workers > len(pending) && len(pending) > 0 {
		workers = len(pending)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}
	wg.Wait()

	summary := c.summarize(jobID, tasks)
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (c *Coordinator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-c.queue:
			if !ok {
				return
			}
			if c.process(ctx, t) {
				c.finish()
			}
		}
	}
}

// finish retires one task; the last retirement closes the queue.
func (c *Coordinator) finish() {
	if atomic.AddInt32(&c.outstanding, -1) == 0 {
		close(c.queue)
	}
}

// process advances a task until it parks (retry scheduled, waiting, or
// canceled) or reaches a terminal state. Returns true when terminal.
func (c *Coordinator) process(ctx context.Context, t *task) bool {
	c.transition(t, internal.StateResolving, "")

	session := c.deps.Session.Session()
	if !session.Ready {
		c.transition(t, internal.StatePending, "waiting for login")
		if err := c.deps.Session.AwaitReady(ctx); err != nil {
			return false
		}
		c.transition(t, internal.StateResolving, "")
		session = c.deps.Session.Session()
	}

	link, err := c.deps.Resolver.Resolve(ctx, t.entry, session)
	if err != nil {
		return c.handlePhaseError(ctx, t, err)
	}

	c.transition(t, internal.StateDownloading, "")
	written, err := c.transfer(ctx, t, *link)
	t.rec.BytesWritten = written
	c.save(t)
	if err != nil {
		if ctx.Err() != nil {
			// Leave the partial file and a pending record for the next run.
			c.transition(t, internal.StatePending, "interrupted")
			return false
		}
		if internal.IsKind(err, internal.ErrSizeMismatch) {
			return c.discardAndRetry(t, internal.StateDownloading, err)
		}
		return c.handlePhaseError(ctx, t, err)
	}

	c.transition(t, internal.StateVerifying, "")
	if err := c.deps.Verifier.Verify(t.partPath, t.entry.Size, t.entry.Hash); err != nil {
		switch internal.KindOf(err) {
		case internal.ErrSizeMismatch, internal.ErrHashMismatch:
			return c.discardAndRetry(t, internal.StateCorrupt, err)
		default:
			return c.handlePhaseError(ctx, t, err)
		}
	}

	if err := utils.AtomicRename(t.partPath, t.finalPath); err != nil {
		return c.handlePhaseError(ctx, t, internal.WrapError(internal.ErrIO, err, "finalize %s", t.entry.DisplayName))
	}

	t.rec.BytesWritten = t.entry.Size
	c.transition(t, internal.StateComplete, "")
	c.deps.Logger.WithFields(logrus.Fields{
		"entry": t.entry.ID,
		"file":  t.entry.DisplayName,
	}).Info("download complete")
	return true
}

// transfer runs the engine with progress plumbing. The returned count is
// the partial file's total size when the engine stopped.
func (c *Coordinator) transfer(ctx context.Context, t *task, link internal.DirectLink) (int64, error) {
	resumeFrom := int64(0)
	if size, exists, err := utils.FileSize(t.partPath); err == nil && exists && size <= t.entry.Size {
		resumeFrom = size
	}

	// A full-size partial file has nothing left to fetch; asking the server
	// for an empty range would only earn a 416. Hand it to verification.
	if resumeFrom == t.entry.Size {
		return resumeFrom, nil
	}

	if time.Now().After(link.ExpiresAt) {
		fresh, err := c.deps.Resolver.Resolve(ctx, t.entry, c.deps.Session.Session())
		if err != nil {
			return resumeFrom, err
		}
		link = *fresh
	}

	t.lastBytes = resumeFrom
	t.lastTime = time.Now()
	return c.deps.Engine.Transfer(ctx, internal.TransferRequest{
		Entry:      t.entry,
		Link:       link,
		PartPath:   t.partPath,
		ResumeFrom: resumeFrom,
		Progress: func(total int64) {
			c.onTransferProgress(t, total)
		},
	})
}

func (c *Coordinator) onTransferProgress(t *task, total int64) {
	if total < t.rec.BytesWritten {
		return
	}

	now := time.Now()
	delta := total - t.lastBytes
	atomic.AddInt64(&c.runBytes, delta)

	var speed float64
	if elapsed := now.Sub(t.lastTime).Seconds(); elapsed > 0 {
		speed = float64(delta) / elapsed
	}
	t.lastBytes = total
	t.lastTime = now

	t.rec.BytesWritten = total
	c.save(t)
	c.emit(t, speed)
}

// handlePhaseError routes a resolve, transfer or finalize failure. Rate
// limits wait without consuming an attempt; everything retryable consumes
// one; the rest is terminal.
func (c *Coordinator) handlePhaseError(ctx context.Context, t *task, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	switch internal.KindOf(err) {
	case internal.ErrRateLimited:
		t.rateWaits++
		delay := internal.RetryAfterOf(err)
		if delay == 0 {
			delay = scaledBackoff(c.rateLimitBackoff, c.backoffMax, t.rateWaits)
		}
		c.deps.Logger.WithField("entry", t.entry.ID).WithField("wait", delay).Warn("rate limited")
		c.transition(t, internal.StatePending, err.Error())
		c.requeueAfter(t, delay)
		return false

	case internal.ErrEntryNotFound:
		c.transition(t, internal.StateFailed, err.Error())
		return true

	case internal.ErrNotAuthenticated:
		// The session was ready but the service rejected it. The bridge
		// stays ready, so treat this as a consumable failure rather than
		// waiting on a login that already happened.
		return c.retryOrFail(t, err, true)

	case internal.ErrTransientNetwork, internal.ErrIO, internal.ErrSizeMismatch, internal.ErrHashMismatch:
		return c.retryOrFail(t, err, true)

	default:
		c.transition(t, internal.StateFailed, err.Error())
		return true
	}
}

// discardAndRetry deletes the partial file after an integrity failure and
// schedules a clean retry, passing through state on the way.
func (c *Coordinator) discardAndRetry(t *task, state internal.RecordState, cause error) bool {
	c.transition(t, state, cause.Error())
	if err := utils.RemoveIfExists(t.partPath); err != nil {
		c.deps.Logger.WithError(err).WithField("entry", t.entry.ID).Warn("discard partial file")
	}
	t.rec.BytesWritten = 0
	c.deps.Logger.WithFields(logrus.Fields{
		"entry":  t.entry.ID,
		"reason": cause.Error(),
	}).Warn("integrity failure, discarding partial file")
	return c.retryOrFail(t, cause, false)
}

// retryOrFail consumes one attempt. Past the cap the record fails; below
// it the task re-enters the queue, optionally after a backoff.
func (c *Coordinator) retryOrFail(t *task, cause error, backoff bool) bool {
	t.rec.AttemptCount++
	if t.rec.AttemptCount >= c.maxAttempts {
		c.transition(t, internal.StateFailed, cause.Error())
		c.deps.Logger.WithFields(logrus.Fields{
			"entry":    t.entry.ID,
			"attempts": t.rec.AttemptCount,
		}).Error("giving up")
		return true
	}

	c.transition(t, internal.StatePending, cause.Error())
	var delay time.Duration
	if backoff {
		delay = scaledBackoff(c.backoffBase, c.backoffMax, t.rec.AttemptCount)
	}
	c.requeueAfter(t, delay)
	return false
}

// scaledBackoff doubles base n-1 times, saturating at max. Doubling stops
// as soon as the delay reaches max, so an arbitrarily long streak can never
// shift the delay into overflow and back to an immediate requeue.
func scaledBackoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < n; i++ {
		if delay >= max {
			return max
		}
		delay <<= 1
		if delay <= 0 {
			return max
		}
	}
	if delay > max {
		delay = max
	}
	return delay
}

func (c *Coordinator) requeueAfter(t *task, delay time.Duration) {
	if delay <= 0 {
		c.queue <- t
		return
	}
	time.AfterFunc(delay, func() {
		// The queue only closes once every task is terminal, and a task
		// waiting on this timer is not, so the send cannot race a close.
		c.queue <- t
	})
}

// prescan reconciles the persisted record with what is actually on disk
// before any work is scheduled.
func (c *Coordinator) prescan(t *task) {
	finalSize, finalExists, err := utils.FileSize(t.finalPath)
	if err != nil {
		c.deps.Logger.WithError(err).Warn("prescan destination")
	}

	if t.rec.State == internal.StateComplete {
		if finalExists && finalSize == t.entry.Size {
			c.emit(t, 0)
			return
		}
		// The destination disappeared or changed size since last run.
		t.rec.BytesWritten = 0
	}

	// A re-run after failure gets a fresh attempt budget.
	t.rec.State = internal.StatePending
	t.rec.AttemptCount = 0
	t.rec.LastError = ""

	if finalExists {
		if c.deps.Verifier.Verify(t.finalPath, t.entry.Size, t.entry.Hash) == nil {
			t.rec.BytesWritten = t.entry.Size
			t.rec.State = internal.StateComplete
			c.save(t)
			c.emit(t, 0)
			return
		}
		if err := utils.RemoveIfExists(t.finalPath); err != nil {
			c.deps.Logger.WithError(err).Warn("remove stale destination")
		}
	}

	partSize, partExists, _ := utils.FileSize(t.partPath)
	switch {
	case !partExists:
		t.rec.BytesWritten = 0
	case partSize == t.entry.Size:
		if c.deps.Verifier.Verify(t.partPath, t.entry.Size, t.entry.Hash) == nil {
			if err := utils.AtomicRename(t.partPath, t.finalPath); err == nil {
				t.rec.BytesWritten = t.entry.Size
				t.rec.State = internal.StateComplete
				c.save(t)
				c.emit(t, 0)
				return
			}
		}
		if err := utils.RemoveIfExists(t.partPath); err != nil {
			c.deps.Logger.WithError(err).Warn("remove corrupt partial file")
		}
		t.rec.BytesWritten = 0
	case partSize > t.entry.Size:
		if err := utils.RemoveIfExists(t.partPath); err != nil {
			c.deps.Logger.WithError(err).Warn("remove oversized partial file")
		}
		t.rec.BytesWritten = 0
	default:
		t.rec.BytesWritten = partSize
	}

	c.save(t)
	c.emit(t, 0)
}

// transition updates state and last error, persists, and reports progress.
func (c *Coordinator) transition(t *task, state internal.RecordState, lastError string) {
	t.rec.State = state
	t.rec.LastError = lastError
	c.save(t)
	c.emit(t, 0)
}

// save persists the record detached from the run context so progress
// written during shutdown still lands.
func (c *Coordinator) save(t *task) {
	if err := c.deps.Store.SaveRecord(context.Background(), t.rec); err != nil {
		c.deps.Logger.WithError(err).WithField("entry", t.entry.ID).Warn("persist record")
	}
}

func (c *Coordinator) emit(t *task, speed float64) {
	if c.deps.Progress == nil {
		return
	}
	c.deps.Progress(internal.ProgressEvent{
		EntryID:      t.entry.ID,
		DisplayName:  t.entry.DisplayName,
		State:        t.rec.State,
		BytesWritten: t.rec.BytesWritten,
		ExpectedSize: t.entry.Size,
		Speed:        speed,
		Err:          t.rec.LastError,
	})
}

func (c *Coordinator) summarize(jobID string, tasks []*task) *internal.JobSummary {
	summary := &internal.JobSummary{
		JobID: jobID,
		Total: len(tasks),
		Bytes: atomic.LoadInt64(&c.runBytes),
	}
	for _, t := range tasks {
		switch t.rec.State {
		case internal.StateComplete:
			summary.Completed++
		case internal.StateFailed:
			summary.Failed = append(summary.Failed, internal.FailedEntry{
				EntryID:     t.entry.ID,
				DisplayName: t.entry.DisplayName,
				Reason:      t.rec.LastError,
			})
		}
	}
	return summary
}
