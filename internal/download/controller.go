package download

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/isoforge/isoforge/internal/logctx"
	"github.com/isoforge/isoforge/internal/telemetry"
	"github.com/isoforge/isoforge/internal/transfer"
)

// Repository persists download records.
type Repository interface {
	Create(ctx context.Context, rec *Record) (int64, error)
	Update(ctx context.Context, rec *Record) error
	List(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, id int64) error
}

// Broadcaster pushes snapshots to subscribed observers.
type Broadcaster interface {
	Publish(downloadID int64, snap Snapshot, transition bool)
}

// PathAllocator returns a unique destination path for a record. Uniqueness
// must hold across records; two records never write to the same path.
type PathAllocator interface {
	Allocate(id int64, suggested string) string
}

// entry pairs a record with its transfer bookkeeping. The entry mutex is the
// single-writer rule for the record: every mutation happens under it, so
// racing commands serialize and the loser observes the winner's transition.
type entry struct {
	mu sync.Mutex

	rec *Record

	cancel          context.CancelFunc // aborts the running fetch
	pauseRequested  bool
	cancelRequested bool
	rangeCapable    bool
}

// Controller owns the download lifecycle: it validates and applies state
// transitions, spawns transfer goroutines, and emits progress snapshots.
// External callers never mutate records directly.
type Controller struct {
	ctx    context.Context
	logger *slog.Logger

	repo      Repository
	fetcher   transfer.Fetcher
	hub       Broadcaster
	alloc     PathAllocator
	telemetry *telemetry.Telemetry

	maxConcurrent int

	mu      sync.Mutex
	entries map[int64]*entry
	queue   []int64 // pending ids waiting for a transfer slot, FIFO
	active  int

	wg sync.WaitGroup
}

// NewController creates the lifecycle controller. The context bounds every
// transfer goroutine the controller spawns; cancelling it aborts them all.
// maxConcurrent <= 0 means unlimited.
func NewController(
	ctx context.Context,
	repo Repository,
	fetcher transfer.Fetcher,
	hub Broadcaster,
	alloc PathAllocator,
	maxConcurrent int,
	tel *telemetry.Telemetry,
) *Controller {
	return &Controller{
		ctx:           ctx,
		logger:        logctx.LoggerFromContext(ctx),
		repo:          repo,
		fetcher:       fetcher,
		hub:           hub,
		alloc:         alloc,
		telemetry:     tel,
		maxConcurrent: maxConcurrent,
		entries:       make(map[int64]*entry),
	}
}

// Restore loads persisted records into the controller. Records that were
// mid-flight when the process died cannot be resumed (their transfer state
// is gone), so they land in failed with an explanatory message.
func (c *Controller) Restore(ctx context.Context) error {
	records, err := c.repo.List(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range records {
		if !rec.State.Terminal() {
			rec.State = StateFailed
			rec.ErrorMessage = "interrupted by service restart"
			rec.Speed = 0
			rec.ETA = nil
			now := time.Now().UTC()
			rec.CompletedAt = &now

			if err := c.repo.Update(ctx, rec); err != nil {
				c.logger.Error("failed to mark interrupted download", "download_id", rec.ID, "err", err)
			}
		}

		c.entries[rec.ID] = &entry{rec: rec}
	}

	return nil
}

// Start creates a record in pending and issues the start command. When the
// concurrency limit is reached the record stays pending in a FIFO queue.
func (c *Controller) Start(ctx context.Context, src Source) (*Record, error) {
	rec := &Record{
		Source:           src,
		State:            StatePending,
		Progress:         -1, // indeterminate until a total is known
		ChecksumVerified: ChecksumUnknown,
		CreatedAt:        time.Now().UTC(),
	}

	id, err := c.repo.Create(ctx, rec)
	if err != nil {
		return nil, err
	}

	rec.ID = id
	rec.OutputPath = c.alloc.Allocate(id, src.SuggestedFilename)

	if err := c.repo.Update(ctx, rec); err != nil {
		return nil, err
	}

	e := &entry{rec: rec}

	c.mu.Lock()
	c.entries[id] = e

	canRun := c.maxConcurrent <= 0 || c.active < c.maxConcurrent
	if canRun {
		c.active++
	} else {
		c.queue = append(c.queue, id)
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if canRun {
		c.beginTransfer(e, 0)
	} else {
		c.logger.Info("download queued, concurrency limit reached", "download_id", id)
		c.publish(e, true)
	}

	return e.rec.Clone(), nil
}

// Pause suspends a downloading record. The partial artifact and byte
// counters are retained; whether a later resume can reuse them depends on
// the source's range support.
func (c *Controller) Pause(ctx context.Context, id int64) error {
	e, err := c.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.State != StateDownloading {
		return &InvalidTransitionError{Command: "pause", State: e.rec.State}
	}

	e.pauseRequested = true
	e.rec.State = StatePaused
	e.rec.Speed = 0
	e.rec.ETA = nil

	if e.cancel != nil {
		e.cancel()
	}

	c.persist(e.rec)
	c.publish(e, true)

	return nil
}

// Resume continues a paused record. Range-capable sources continue from the
// recorded offset; others restart from zero, which is logged and counted.
func (c *Controller) Resume(ctx context.Context, id int64) error {
	e, err := c.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.State != StatePaused {
		return &InvalidTransitionError{Command: "resume", State: e.rec.State}
	}

	offset := c.partialSize(e.rec)

	// A pause can land exactly at the end of the transfer, leaving the
	// artifact fully on disk. Re-fetching would ask the source for a range
	// past the end, so settle the record without a transfer.
	if offset > 0 && e.rec.TotalBytes != nil && offset >= *e.rec.TotalBytes {
		e.rec.DownloadedBytes = offset
		recomputeDerived(e.rec)

		if e.rec.Source.Checksum != "" {
			e.rec.State = StateVerifying
			c.persist(e.rec)
			c.publish(e, true)

			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.verify(e)
			}()

			return nil
		}

		c.completeArtifact(e)

		return nil
	}

	if offset > 0 && !e.rangeCapable {
		c.logger.Warn("source does not support range resumption, restarting from zero",
			"download_id", id, "url", e.rec.Source.URL)
		c.telemetry.RecordResumeFallback()

		offset = 0
		e.rec.DownloadedBytes = 0
		recomputeDerived(e.rec)
	}

	// Resume bypasses admission control: the transition table sends paused
	// straight back to downloading, never through pending.
	c.mu.Lock()
	c.active++
	c.mu.Unlock()

	c.beginTransfer(e, offset)

	return nil
}

// Cancel terminates a pending, downloading, or paused record. The partial
// artifact is discarded; a cancelled download cannot be resumed.
func (c *Controller) Cancel(ctx context.Context, id int64) error {
	e, err := c.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.rec.State {
	case StatePending:
		c.mu.Lock()
		c.dequeueLocked(id)
		c.mu.Unlock()

		c.finalize(e, StateCancelled, "")

	case StateDownloading:
		e.cancelRequested = true
		c.finalize(e, StateCancelled, "")

		if e.cancel != nil {
			e.cancel()
		}
		// The transfer goroutine removes the partial artifact on its way out.

	case StatePaused:
		c.finalize(e, StateCancelled, "")
		c.removePartial(e.rec)

	default:
		return &InvalidTransitionError{Command: "cancel", State: e.rec.State}
	}

	return nil
}

// Get returns a snapshot read of one record.
func (c *Controller) Get(ctx context.Context, id int64) (*Record, error) {
	e, err := c.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rec.Clone(), nil
}

// List returns snapshot reads of all records, newest first, optionally
// filtered by state.
func (c *Controller) List(ctx context.Context, state *State) ([]*Record, error) {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	records := make([]*Record, 0, len(entries))

	for _, e := range entries {
		e.mu.Lock()
		if state == nil || e.rec.State == *state {
			records = append(records, e.rec.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID > records[j].ID
	})

	return records, nil
}

// ClearCompleted removes all records in a terminal state. Non-terminal
// records are untouched.
func (c *Controller) ClearCompleted(ctx context.Context) (int, error) {
	c.mu.Lock()
	entries := make(map[int64]*entry, len(c.entries))
	for id, e := range c.entries {
		entries[id] = e
	}
	c.mu.Unlock()

	var cleared []int64

	for id, e := range entries {
		e.mu.Lock()
		if e.rec.State.Terminal() {
			cleared = append(cleared, id)
		}
		e.mu.Unlock()
	}

	c.mu.Lock()
	for _, id := range cleared {
		delete(c.entries, id)
	}
	c.mu.Unlock()

	// Delete exactly the rows that were scanned as terminal. A record that
	// turns terminal after the scan stays for the next call; a blanket
	// terminal-state delete could remove rows whose entries are still live.
	removed := 0
	for _, id := range cleared {
		if err := c.repo.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// Dismiss cancels the record if it is still live and deletes it. The
// completed artifact, if any, stays on disk.
func (c *Controller) Dismiss(ctx context.Context, id int64) error {
	e, err := c.entry(id)
	if err != nil {
		return err
	}

	if err := c.Cancel(ctx, id); err != nil {
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			return err
		}
	}

	e.mu.Lock()
	c.removePartial(e.rec)
	e.mu.Unlock()

	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()

	return c.repo.Delete(ctx, id)
}

// ActivePartials returns the partial artifact paths owned by live records,
// for the orphaned-file sweeper.
func (c *Controller) ActivePartials() map[string]struct{} {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	owned := make(map[string]struct{})

	for _, e := range entries {
		e.mu.Lock()
		if !e.rec.State.Terminal() && e.rec.OutputPath != "" {
			owned[e.rec.OutputPath+transfer.PartialSuffix] = struct{}{}
		}
		e.mu.Unlock()
	}

	return owned
}

// Close waits for all transfer goroutines to finish. Callers cancel the
// controller context first.
func (c *Controller) Close() {
	c.wg.Wait()
}

func (c *Controller) entry(id int64) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	return e, nil
}

// beginTransfer moves the record into downloading and spawns the transfer
// goroutine. Caller holds e.mu.
func (c *Controller) beginTransfer(e *entry, offset int64) {
	rec := e.rec

	rec.State = StateDownloading
	rec.ErrorMessage = ""

	if rec.StartedAt == nil {
		now := time.Now().UTC()
		rec.StartedAt = &now
	}

	e.pauseRequested = false
	e.cancelRequested = false

	fetchCtx, cancel := context.WithCancel(c.ctx)
	e.cancel = cancel

	c.persist(rec)
	c.publish(e, true)

	req := transfer.Request{
		URL:          rec.Source.URL,
		DestPath:     rec.OutputPath,
		ResumeOffset: offset,
	}

	c.telemetry.IncrementActiveDownloads()
	c.wg.Add(1)

	go c.runTransfer(fetchCtx, e, req)
}

func (c *Controller) runTransfer(ctx context.Context, e *entry, req transfer.Request) {
	defer c.wg.Done()
	defer c.telemetry.DecrementActiveDownloads()

	res, err := c.fetcher.Fetch(ctx, req, func(p transfer.Progress) {
		c.onProgress(e, p)
	})

	c.onTransferDone(e, res, err)
	c.releaseSlot()
}

// onProgress applies an incremental report from the transfer goroutine.
func (c *Controller) onProgress(e *entry, p transfer.Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.rec

	// A late callback can race a pause or cancel; the transition won.
	if rec.State != StateDownloading {
		return
	}

	if p.Restarted {
		c.telemetry.RecordResumeFallback()
		rec.DownloadedBytes = 0
	}

	// downloaded_bytes is monotonic while downloading; resets happen only
	// through the explicit restart path above.
	if p.Downloaded < rec.DownloadedBytes && !p.Restarted {
		return
	}

	c.telemetry.AddDownloadedBytes(p.Downloaded - rec.DownloadedBytes)

	rec.DownloadedBytes = p.Downloaded
	rec.TotalBytes = p.Total
	rec.Speed = p.Speed
	e.rangeCapable = p.RangeCapable

	recomputeDerived(rec)
	c.publish(e, false)
}

// onTransferDone runs exactly once per transfer goroutine, after Fetch
// returns.
func (c *Controller) onTransferDone(e *entry, res *transfer.Result, err error) {
	e.mu.Lock()

	rec := e.rec

	switch {
	case e.cancelRequested:
		// Cancel already settled the record. Even a fetch that finished
		// successfully in the meantime must not resurrect it; discard the
		// partial.
		c.removePartial(rec)
		e.mu.Unlock()

	case e.pauseRequested:
		// Pause already transitioned the record; the partial artifact stays
		// for a future resume.
		e.mu.Unlock()

	case err == nil:
		rec.DownloadedBytes = res.Downloaded
		rec.TotalBytes = res.Total
		rec.Speed = 0
		e.rangeCapable = res.RangeCapable

		if rec.TotalBytes == nil {
			// The transfer is over, so the total is now known.
			total := rec.DownloadedBytes
			rec.TotalBytes = &total
		}

		recomputeDerived(rec)

		if rec.Source.Checksum != "" {
			rec.State = StateVerifying
			c.persist(rec)
			c.publish(e, true)
			e.mu.Unlock()

			c.verify(e)

			return
		}

		c.completeArtifact(e)
		e.mu.Unlock()

	case errors.Is(err, context.Canceled):
		// Process shutdown tore the transfer down.
		c.finalize(e, StateFailed, "interrupted by shutdown")
		e.mu.Unlock()

	default:
		// A partial from a non-resumable source is useless; discard it.
		if !e.rangeCapable {
			c.removePartial(rec)
		}

		c.finalize(e, StateFailed, err.Error())
		e.mu.Unlock()
	}
}

// verify runs the checksum gate and settles the record. Called without e.mu
// held; hashing a multi-gigabyte artifact must not block commands.
func (c *Controller) verify(e *entry) {
	e.mu.Lock()
	partPath := e.rec.OutputPath + transfer.PartialSuffix
	checksum := e.rec.Source.Checksum
	algo := e.rec.Source.ChecksumAlgo
	e.mu.Unlock()

	err := transfer.VerifyChecksum(c.ctx, partPath, checksum, algo)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.State != StateVerifying {
		return
	}

	if err != nil {
		var mismatch *transfer.ChecksumMismatchError
		if errors.As(err, &mismatch) {
			e.rec.ChecksumVerified = ChecksumFailed
			c.telemetry.RecordVerification("mismatch")
		} else {
			c.telemetry.RecordVerification("error")
		}

		// The corrupt partial stays on disk for inspection; the sweeper
		// collects it once it ages out.
		c.finalize(e, StateFailed, err.Error())

		return
	}

	e.rec.ChecksumVerified = ChecksumVerified
	c.telemetry.RecordVerification("verified")

	c.completeArtifact(e)
}

// completeArtifact renames the partial into place and settles the record as
// completed. Caller holds e.mu.
func (c *Controller) completeArtifact(e *entry) {
	rec := e.rec

	partPath := rec.OutputPath + transfer.PartialSuffix
	if err := os.Rename(partPath, rec.OutputPath); err != nil {
		werr := &transfer.WriteError{Path: rec.OutputPath, Err: err}
		c.finalize(e, StateFailed, werr.Error())

		return
	}

	rec.Progress = 100
	rec.Speed = 0
	rec.ETA = nil

	c.finalize(e, StateCompleted, "")
}

// finalize applies a terminal transition. Caller holds e.mu.
func (c *Controller) finalize(e *entry, state State, errorMessage string) {
	rec := e.rec

	rec.State = state
	rec.ErrorMessage = errorMessage
	rec.Speed = 0
	rec.ETA = nil

	now := time.Now().UTC()
	rec.CompletedAt = &now

	since := rec.CreatedAt
	if rec.StartedAt != nil {
		since = *rec.StartedAt
	}

	c.telemetry.RecordDownload(string(state), now.Sub(since))

	c.persist(rec)
	c.publish(e, true)

	c.logger.Info("download finished",
		"download_id", rec.ID,
		"state", rec.State,
		"downloaded_bytes", rec.DownloadedBytes,
		"err", rec.ErrorMessage,
	)
}

// releaseSlot frees a transfer slot and starts the next queued record, if
// any. Skips records that left the queue state while waiting.
func (c *Controller) releaseSlot() {
	for {
		c.mu.Lock()
		c.active--

		if len(c.queue) == 0 || (c.maxConcurrent > 0 && c.active >= c.maxConcurrent) {
			c.mu.Unlock()

			return
		}

		id := c.queue[0]
		c.queue = c.queue[1:]
		c.active++
		e := c.entries[id]
		c.mu.Unlock()

		if e == nil {
			continue
		}

		e.mu.Lock()
		if e.rec.State == StatePending {
			c.beginTransfer(e, 0)
			e.mu.Unlock()

			return
		}
		e.mu.Unlock()
	}
}

// dequeueLocked removes an id from the pending queue. Caller holds c.mu.
func (c *Controller) dequeueLocked(id int64) {
	for i, queued := range c.queue {
		if queued == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)

			return
		}
	}
}

func (c *Controller) partialSize(rec *Record) int64 {
	info, err := os.Stat(rec.OutputPath + transfer.PartialSuffix)
	if err != nil {
		return 0
	}

	return info.Size()
}

func (c *Controller) removePartial(rec *Record) {
	partPath := rec.OutputPath + transfer.PartialSuffix

	if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
		c.logger.Error("failed to remove partial artifact", "path", partPath, "err", err)
	}
}

func (c *Controller) persist(rec *Record) {
	if err := c.repo.Update(c.ctx, rec); err != nil {
		c.logger.Error("failed to persist download record", "download_id", rec.ID, "err", err)
		c.telemetry.RecordSystemError("controller", "persist")
	}
}

func (c *Controller) publish(e *entry, transition bool) {
	c.hub.Publish(e.rec.ID, e.rec.Snapshot(), transition)
}

func recomputeDerived(rec *Record) {
	if rec.TotalBytes != nil && *rec.TotalBytes > 0 {
		rec.Progress = float64(rec.DownloadedBytes) / float64(*rec.TotalBytes) * 100

		if rec.Speed > 0 {
			eta := int64(float64(*rec.TotalBytes-rec.DownloadedBytes) / rec.Speed)
			rec.ETA = &eta
		} else {
			rec.ETA = nil
		}

		return
	}

	// Sources that omit Content-Length leave the percentage indeterminate.
	rec.Progress = -1
	rec.ETA = nil
}
