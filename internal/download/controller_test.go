package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/isoforge/isoforge/internal/telemetry"
	"github.com/isoforge/isoforge/internal/transfer"
)

type fakeRepo struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*Record
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[int64]*Record)}
}

func (r *fakeRepo) Create(ctx context.Context, rec *Record) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	clone := rec.Clone()
	clone.ID = r.nextID
	r.records[r.nextID] = clone

	return r.nextID, nil
}

func (r *fakeRepo) Update(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[rec.ID] = rec.Clone()

	return nil
}

func (r *fakeRepo) List(ctx context.Context) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Record
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}

	return out, nil
}

func (r *fakeRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, id)

	return nil
}

type publishedEvent struct {
	downloadID int64
	snap       Snapshot
	transition bool
}

type fakeHub struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (h *fakeHub) Publish(downloadID int64, snap Snapshot, transition bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, publishedEvent{downloadID: downloadID, snap: snap, transition: transition})
}

func (h *fakeHub) transitions(downloadID int64) []State {
	h.mu.Lock()
	defer h.mu.Unlock()

	var states []State

	for _, ev := range h.events {
		if ev.downloadID == downloadID && ev.transition {
			states = append(states, ev.snap.State)
		}
	}

	return states
}

type fakeAlloc struct {
	dir string
}

func (a *fakeAlloc) Allocate(id int64, suggested string) string {
	return filepath.Join(a.dir, fmt.Sprintf("artifact-%d.iso", id))
}

type scriptedFetcher struct {
	mu      sync.Mutex
	calls   []transfer.Request
	handler func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	handler := f.handler
	f.mu.Unlock()

	return handler(ctx, req, onProgress)
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *scriptedFetcher) call(i int) transfer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[i]
}

// succeedWith builds a handler that writes content to the partial file and
// reports a finished transfer.
func succeedWith(content []byte) func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
	return func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		if err := os.WriteFile(req.DestPath+transfer.PartialSuffix, content, 0o644); err != nil {
			return nil, err
		}

		total := int64(len(content))

		if onProgress != nil {
			onProgress(transfer.Progress{Downloaded: total, Total: &total, RangeCapable: true})
		}

		return &transfer.Result{Downloaded: total, Total: &total, RangeCapable: true}, nil
	}
}

type controllerEnv struct {
	ctrl    *Controller
	repo    *fakeRepo
	hub     *fakeHub
	fetcher *scriptedFetcher
	dir     string
}

func newControllerEnv(t *testing.T, maxConcurrent int) *controllerEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	env := &controllerEnv{
		repo:    newFakeRepo(),
		hub:     &fakeHub{},
		fetcher: &scriptedFetcher{},
		dir:     t.TempDir(),
	}

	env.ctrl = NewController(ctx, env.repo, env.fetcher, env.hub, &fakeAlloc{dir: env.dir}, maxConcurrent, tel)
	// Cancel before Close: transfer goroutines may be parked in <-ctx.Done(),
	// and Close waits for all of them to exit.
	t.Cleanup(func() {
		cancel()
		env.ctrl.Close()
	})

	return env
}

func waitForState(t *testing.T, ctrl *Controller, id int64, want State) *Record {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		rec, err := ctrl.Get(context.Background(), id)
		require.NoError(t, err)

		if rec.State == want {
			return rec
		}

		time.Sleep(5 * time.Millisecond)
	}

	rec, _ := ctrl.Get(context.Background(), id)
	t.Fatalf("download %d never reached %s, stuck in %s", id, want, rec.State)

	return nil
}

func TestStartCompletesWithoutChecksum(t *testing.T) {
	env := newControllerEnv(t, 3)
	content := []byte("iso payload")
	env.fetcher.handler = succeedWith(content)

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso", SuggestedFilename: "x.iso"})
	require.NoError(t, err)
	require.NotZero(t, rec.ID)

	final := waitForState(t, env.ctrl, rec.ID, StateCompleted)
	require.Equal(t, float64(100), final.Progress)
	require.Equal(t, int64(len(content)), final.DownloadedBytes)
	require.Equal(t, ChecksumUnknown, final.ChecksumVerified)
	require.NotNil(t, final.CompletedAt)

	written, err := os.ReadFile(final.OutputPath)
	require.NoError(t, err)
	require.Equal(t, content, written, "artifact must be renamed into place")

	_, err = os.Stat(final.OutputPath + transfer.PartialSuffix)
	require.True(t, os.IsNotExist(err), "partial must not survive completion")

	states := env.hub.transitions(rec.ID)
	require.Equal(t, []State{StateDownloading, StateCompleted}, states)
}

func TestChecksumVerifiedCompletion(t *testing.T) {
	env := newControllerEnv(t, 3)
	content := []byte("verified payload")
	sum := sha256.Sum256(content)

	env.fetcher.handler = succeedWith(content)

	rec, err := env.ctrl.Start(context.Background(), Source{
		URL:          "http://example.com/x.iso",
		Checksum:     hex.EncodeToString(sum[:]),
		ChecksumAlgo: "sha256",
	})
	require.NoError(t, err)

	final := waitForState(t, env.ctrl, rec.ID, StateCompleted)
	require.Equal(t, ChecksumVerified, final.ChecksumVerified)

	states := env.hub.transitions(rec.ID)
	require.Equal(t, []State{StateDownloading, StateVerifying, StateCompleted}, states)
}

func TestChecksumMismatchFails(t *testing.T) {
	env := newControllerEnv(t, 3)
	env.fetcher.handler = succeedWith([]byte("corrupted payload"))

	rec, err := env.ctrl.Start(context.Background(), Source{
		URL:          "http://example.com/x.iso",
		Checksum:     "deadbeef",
		ChecksumAlgo: "sha256",
	})
	require.NoError(t, err)

	final := waitForState(t, env.ctrl, rec.ID, StateFailed)
	require.Equal(t, ChecksumFailed, final.ChecksumVerified)
	require.NotEmpty(t, final.ErrorMessage)

	_, err = os.Stat(final.OutputPath)
	require.True(t, os.IsNotExist(err), "a failed artifact must never appear at the final path")
}

func TestTransferFailureSurfacesAsFailedState(t *testing.T) {
	env := newControllerEnv(t, 3)
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		return nil, &transfer.UnreachableSourceError{URL: req.URL, StatusCode: 503}
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err, "transfer failures must not surface as command errors")

	final := waitForState(t, env.ctrl, rec.ID, StateFailed)
	require.Contains(t, final.ErrorMessage, "503")
	require.Zero(t, final.Speed)
}

func TestPauseRetainsProgress(t *testing.T) {
	env := newControllerEnv(t, 3)

	reported := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		total := int64(1 << 20)
		require.NoError(t, os.WriteFile(req.DestPath+transfer.PartialSuffix, make([]byte, 400_000), 0o644))
		onProgress(transfer.Progress{Downloaded: 400_000, Total: &total, Speed: 1000, RangeCapable: true})
		close(reported)

		<-ctx.Done()

		return nil, ctx.Err()
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-reported

	require.NoError(t, env.ctrl.Pause(context.Background(), rec.ID))

	paused, err := env.ctrl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatePaused, paused.State)
	require.Equal(t, int64(400_000), paused.DownloadedBytes, "pause must not reset progress")
	require.Zero(t, paused.Speed)
	require.Nil(t, paused.ETA)

	_, err = os.Stat(paused.OutputPath + transfer.PartialSuffix)
	require.NoError(t, err, "pause keeps the partial artifact")
}

func TestResumeContinuesFromOffset(t *testing.T) {
	env := newControllerEnv(t, 3)

	reported := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		total := int64(1 << 20)
		require.NoError(t, os.WriteFile(req.DestPath+transfer.PartialSuffix, make([]byte, 400_000), 0o644))
		onProgress(transfer.Progress{Downloaded: 400_000, Total: &total, RangeCapable: true})
		close(reported)

		<-ctx.Done()

		return nil, ctx.Err()
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-reported
	require.NoError(t, env.ctrl.Pause(context.Background(), rec.ID))

	env.fetcher.handler = succeedWith(make([]byte, 1<<20))

	require.NoError(t, env.ctrl.Resume(context.Background(), rec.ID))
	waitForState(t, env.ctrl, rec.ID, StateCompleted)

	require.Equal(t, 2, env.fetcher.callCount())
	require.Equal(t, int64(400_000), env.fetcher.call(1).ResumeOffset,
		"resume must continue from the partial artifact size")
}

func TestResumeWithoutRangeSupportRestartsFromZero(t *testing.T) {
	env := newControllerEnv(t, 3)

	reported := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		require.NoError(t, os.WriteFile(req.DestPath+transfer.PartialSuffix, make([]byte, 400_000), 0o644))
		onProgress(transfer.Progress{Downloaded: 400_000, RangeCapable: false})
		close(reported)

		<-ctx.Done()

		return nil, ctx.Err()
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-reported
	require.NoError(t, env.ctrl.Pause(context.Background(), rec.ID))

	started := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		close(started)

		<-ctx.Done()

		return nil, ctx.Err()
	}

	require.NoError(t, env.ctrl.Resume(context.Background(), rec.ID))

	<-started
	require.Equal(t, int64(0), env.fetcher.call(1).ResumeOffset)

	resumed, err := env.ctrl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Zero(t, resumed.DownloadedBytes, "the restart must be reflected in the counters")
}

func TestResumeFullyDownloadedSkipsFetch(t *testing.T) {
	env := newControllerEnv(t, 3)

	content := []byte("entire payload already on disk")
	reported := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		total := int64(len(content))
		require.NoError(t, os.WriteFile(req.DestPath+transfer.PartialSuffix, content, 0o644))
		onProgress(transfer.Progress{Downloaded: total, Total: &total, RangeCapable: true})
		close(reported)

		<-ctx.Done()

		return nil, ctx.Err()
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-reported
	require.NoError(t, env.ctrl.Pause(context.Background(), rec.ID))

	// The pause landed after the last byte. Asking the source for a range
	// past the end would fail, so no second fetch may happen.
	require.NoError(t, env.ctrl.Resume(context.Background(), rec.ID))

	final := waitForState(t, env.ctrl, rec.ID, StateCompleted)
	require.Equal(t, 1, env.fetcher.callCount(), "a fully downloaded artifact must not be fetched again")
	require.Equal(t, float64(100), final.Progress)

	written, err := os.ReadFile(final.OutputPath)
	require.NoError(t, err)
	require.Equal(t, content, written)
}

func TestPauseTwiceOnlyFirstApplies(t *testing.T) {
	env := newControllerEnv(t, 3)

	started := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		close(started)

		<-ctx.Done()

		return nil, ctx.Err()
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-started
	require.NoError(t, env.ctrl.Pause(context.Background(), rec.ID))

	var invalid *InvalidTransitionError
	err = env.ctrl.Pause(context.Background(), rec.ID)
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "pause", invalid.Command)
	require.Equal(t, StatePaused, invalid.State)

	paused := 0
	for _, state := range env.hub.transitions(rec.ID) {
		if state == StatePaused {
			paused++
		}
	}
	require.Equal(t, 1, paused, "a repeated pause must not re-emit the transition")
}

func TestCancelRemovesPartial(t *testing.T) {
	env := newControllerEnv(t, 3)

	started := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		require.NoError(t, os.WriteFile(req.DestPath+transfer.PartialSuffix, []byte("partial"), 0o644))
		close(started)

		<-ctx.Done()

		return nil, ctx.Err()
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-started
	require.NoError(t, env.ctrl.Cancel(context.Background(), rec.ID))

	cancelled, err := env.ctrl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, cancelled.State)

	require.Eventually(t, func() bool {
		_, err := os.Stat(cancelled.OutputPath + transfer.PartialSuffix)

		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond, "cancel discards the partial artifact")
}

func TestCancelWinsOverFinishingTransfer(t *testing.T) {
	env := newControllerEnv(t, 3)

	started := make(chan struct{})
	release := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		close(started)
		<-release

		// The fetch ignores the cancelled context and finishes anyway.
		return succeedWith([]byte("payload"))(ctx, req, onProgress)
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-started
	require.NoError(t, env.ctrl.Cancel(context.Background(), rec.ID))
	close(release)

	env.ctrl.Close()

	after, err := env.ctrl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, after.State,
		"a cancelled record must stay cancelled even when the fetch reports success")

	require.Equal(t, []State{StateDownloading, StateCancelled}, env.hub.transitions(rec.ID))

	_, err = os.Stat(after.OutputPath)
	require.True(t, os.IsNotExist(err), "the artifact must never reach the final path")

	_, err = os.Stat(after.OutputPath + transfer.PartialSuffix)
	require.True(t, os.IsNotExist(err), "the partial must be discarded")
}

func TestPauseWinsOverFinishingTransfer(t *testing.T) {
	env := newControllerEnv(t, 3)

	started := make(chan struct{})
	release := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		close(started)
		<-release

		return succeedWith([]byte("payload"))(ctx, req, onProgress)
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-started
	require.NoError(t, env.ctrl.Pause(context.Background(), rec.ID))
	close(release)

	env.ctrl.Close()

	after, err := env.ctrl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatePaused, after.State)

	require.Equal(t, []State{StateDownloading, StatePaused}, env.hub.transitions(rec.ID))

	_, err = os.Stat(after.OutputPath + transfer.PartialSuffix)
	require.NoError(t, err, "pause keeps the partial artifact")
}

func TestCancelPausedRemovesPartialImmediately(t *testing.T) {
	env := newControllerEnv(t, 3)

	reported := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		require.NoError(t, os.WriteFile(req.DestPath+transfer.PartialSuffix, []byte("partial"), 0o644))
		onProgress(transfer.Progress{Downloaded: 7, RangeCapable: true})
		close(reported)

		<-ctx.Done()

		return nil, ctx.Err()
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-reported
	require.NoError(t, env.ctrl.Pause(context.Background(), rec.ID))
	require.NoError(t, env.ctrl.Cancel(context.Background(), rec.ID))

	cancelled, err := env.ctrl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, cancelled.State)

	_, err = os.Stat(cancelled.OutputPath + transfer.PartialSuffix)
	require.True(t, os.IsNotExist(err))
}

func TestInvalidTransitionsRejected(t *testing.T) {
	env := newControllerEnv(t, 3)
	env.fetcher.handler = succeedWith([]byte("payload"))

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	waitForState(t, env.ctrl, rec.ID, StateCompleted)

	var invalid *InvalidTransitionError

	err = env.ctrl.Pause(context.Background(), rec.ID)
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "pause", invalid.Command)
	require.Equal(t, StateCompleted, invalid.State)

	require.ErrorAs(t, env.ctrl.Resume(context.Background(), rec.ID), &invalid)
	require.ErrorAs(t, env.ctrl.Cancel(context.Background(), rec.ID), &invalid)

	// The losing command must not have changed anything.
	after, err := env.ctrl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, after.State)
}

func TestCommandOnUnknownRecord(t *testing.T) {
	env := newControllerEnv(t, 3)

	var notFound *NotFoundError

	require.ErrorAs(t, env.ctrl.Pause(context.Background(), 42), &notFound)
	require.Equal(t, int64(42), notFound.ID)

	_, err := env.ctrl.Get(context.Background(), 42)
	require.ErrorAs(t, err, &notFound)
}

func TestAdmissionControlQueuesBeyondLimit(t *testing.T) {
	env := newControllerEnv(t, 1)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		started <- struct{}{}

		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return succeedWith([]byte("payload"))(ctx, req, onProgress)
	}

	first, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/a.iso"})
	require.NoError(t, err)

	<-started

	second, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/b.iso"})
	require.NoError(t, err)
	require.Equal(t, StatePending, second.State, "second start must queue behind the concurrency limit")
	require.Equal(t, float64(-1), second.Progress, "progress is indeterminate until a total is known")

	close(release)

	waitForState(t, env.ctrl, first.ID, StateCompleted)
	waitForState(t, env.ctrl, second.ID, StateCompleted)
}

func TestCancelPendingLeavesQueue(t *testing.T) {
	env := newControllerEnv(t, 1)

	release := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return succeedWith([]byte("payload"))(ctx, req, onProgress)
	}

	first, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/a.iso"})
	require.NoError(t, err)

	second, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/b.iso"})
	require.NoError(t, err)

	require.NoError(t, env.ctrl.Cancel(context.Background(), second.ID))

	close(release)
	waitForState(t, env.ctrl, first.ID, StateCompleted)

	cancelled, err := env.ctrl.Get(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, cancelled.State)

	require.Equal(t, 1, env.fetcher.callCount(), "a cancelled pending record must never start transferring")
}

func TestListFiltersAndOrders(t *testing.T) {
	env := newControllerEnv(t, 3)
	env.fetcher.handler = succeedWith([]byte("payload"))

	a, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/a.iso"})
	require.NoError(t, err)
	b, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/b.iso"})
	require.NoError(t, err)

	waitForState(t, env.ctrl, a.ID, StateCompleted)
	waitForState(t, env.ctrl, b.ID, StateCompleted)

	all, err := env.ctrl.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, b.ID, all[0].ID, "newest first")

	completed := StateCompleted
	filtered, err := env.ctrl.List(context.Background(), &completed)
	require.NoError(t, err)
	require.Len(t, filtered, 2)

	pending := StatePending
	none, err := env.ctrl.List(context.Background(), &pending)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestClearCompletedKeepsLiveRecords(t *testing.T) {
	env := newControllerEnv(t, 3)

	block := make(chan struct{})
	started := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		close(started)

		select {
		case <-block:
			return succeedWith([]byte("payload"))(ctx, req, onProgress)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	live, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/live.iso"})
	require.NoError(t, err)

	// Wait until the live transfer has picked up the blocking handler before
	// swapping it; Fetch reads f.handler under f.mu, so the write must hold it.
	<-started
	env.fetcher.mu.Lock()
	env.fetcher.handler = succeedWith([]byte("payload"))
	env.fetcher.mu.Unlock()
	done, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/done.iso"})
	require.NoError(t, err)
	waitForState(t, env.ctrl, done.ID, StateCompleted)

	cleared, err := env.ctrl.ClearCompleted(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, cleared)

	_, err = env.ctrl.Get(context.Background(), done.ID)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	still, err := env.ctrl.Get(context.Background(), live.ID)
	require.NoError(t, err)
	require.False(t, still.State.Terminal())

	// Only the rows that were scanned as terminal may leave the database.
	env.repo.mu.Lock()
	_, liveRow := env.repo.records[live.ID]
	_, doneRow := env.repo.records[done.ID]
	env.repo.mu.Unlock()
	require.True(t, liveRow, "a live record keeps its backing row")
	require.False(t, doneRow)

	close(block)
}

func TestDismissDeletesRecordAndPartial(t *testing.T) {
	env := newControllerEnv(t, 3)
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		return nil, errors.New("boom")
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	failed := waitForState(t, env.ctrl, rec.ID, StateFailed)

	require.NoError(t, env.ctrl.Dismiss(context.Background(), rec.ID))

	var notFound *NotFoundError
	_, err = env.ctrl.Get(context.Background(), rec.ID)
	require.ErrorAs(t, err, &notFound)

	env.repo.mu.Lock()
	_, exists := env.repo.records[failed.ID]
	env.repo.mu.Unlock()
	require.False(t, exists, "dismiss deletes the persisted record")
}

func TestProgressNeverDecreases(t *testing.T) {
	env := newControllerEnv(t, 3)

	reported := make(chan struct{})
	env.fetcher.handler = func(ctx context.Context, req transfer.Request, onProgress func(transfer.Progress)) (*transfer.Result, error) {
		total := int64(1000)
		onProgress(transfer.Progress{Downloaded: 500, Total: &total, RangeCapable: true})
		// A stale report must not rewind the counters.
		onProgress(transfer.Progress{Downloaded: 200, Total: &total, RangeCapable: true})
		close(reported)

		<-ctx.Done()

		return nil, ctx.Err()
	}

	rec, err := env.ctrl.Start(context.Background(), Source{URL: "http://example.com/x.iso"})
	require.NoError(t, err)

	<-reported

	current, err := env.ctrl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), current.DownloadedBytes)
}

func TestRestoreMarksInterruptedRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	repo := newFakeRepo()

	interrupted := &Record{
		Source:           Source{URL: "http://example.com/x.iso"},
		State:            StateDownloading,
		DownloadedBytes:  123,
		ChecksumVerified: ChecksumUnknown,
		CreatedAt:        time.Now().UTC(),
	}
	id, err := repo.Create(ctx, interrupted)
	require.NoError(t, err)

	finished := &Record{
		Source:           Source{URL: "http://example.com/y.iso"},
		State:            StateCompleted,
		ChecksumVerified: ChecksumUnknown,
		CreatedAt:        time.Now().UTC(),
	}
	doneID, err := repo.Create(ctx, finished)
	require.NoError(t, err)

	ctrl := NewController(ctx, repo, &scriptedFetcher{}, &fakeHub{}, &fakeAlloc{dir: t.TempDir()}, 3, tel)
	t.Cleanup(ctrl.Close)

	require.NoError(t, ctrl.Restore(ctx))

	rec, err := ctrl.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, rec.State)
	require.Equal(t, "interrupted by service restart", rec.ErrorMessage)

	done, err := ctrl.Get(ctx, doneID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State, "terminal records restore unchanged")
}
