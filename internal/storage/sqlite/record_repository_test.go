package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/isoforge/isoforge/internal/download"
)

func newTestRepo(t *testing.T) *RecordRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewRecordRepository(db)
}

func sampleRecord() *download.Record {
	return &download.Record{
		Source: download.Source{
			OSName:            "Fedora Workstation",
			OSVersion:         "41",
			Category:          "linux",
			Architecture:      "x86_64",
			URL:               "http://example.com/fedora.iso",
			Checksum:          "aa",
			ChecksumAlgo:      "sha256",
			SuggestedFilename: "linux-fedora-workstation-41-x86_64.iso",
		},
		State:            download.StatePending,
		ChecksumVerified: download.ChecksumUnknown,
		CreatedAt:        time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCreateAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.Create(ctx, sampleRecord())
	require.NoError(t, err)
	require.NotZero(t, id)

	second, err := repo.Create(ctx, sampleRecord())
	require.NoError(t, err)
	require.Greater(t, second, id, "ids are never reused")

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := records[0]
	require.Equal(t, id, got.ID)
	require.Equal(t, "Fedora Workstation", got.Source.OSName)
	require.Equal(t, download.StatePending, got.State)
	require.Equal(t, download.ChecksumUnknown, got.ChecksumVerified)
	require.Nil(t, got.TotalBytes)
	require.Nil(t, got.ETA)
	require.Nil(t, got.StartedAt)
}

func TestUpdateRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := sampleRecord()
	id, err := repo.Create(ctx, rec)
	require.NoError(t, err)
	rec.ID = id

	total := int64(2467348480)
	eta := int64(360)
	started := time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC)

	rec.State = download.StateDownloading
	rec.Progress = 37.5
	rec.DownloadedBytes = 925255680
	rec.TotalBytes = &total
	rec.Speed = 4_000_000
	rec.ETA = &eta
	rec.OutputPath = "/downloads/fedora-3.iso"
	rec.StartedAt = &started

	require.NoError(t, repo.Update(ctx, rec))

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	require.Equal(t, download.StateDownloading, got.State)
	require.Equal(t, 37.5, got.Progress)
	require.Equal(t, int64(925255680), got.DownloadedBytes)
	require.NotNil(t, got.TotalBytes)
	require.Equal(t, total, *got.TotalBytes)
	require.NotNil(t, got.ETA)
	require.Equal(t, eta, *got.ETA)
	require.Equal(t, "/downloads/fedora-3.iso", got.OutputPath)
	require.NotNil(t, got.StartedAt)
	require.True(t, started.Equal(*got.StartedAt))
}

func TestDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.Create(ctx, sampleRecord())
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, id))

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDeleteLeavesOtherRows(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	states := []download.State{
		download.StateCompleted,
		download.StateFailed,
		download.StateCancelled,
		download.StateDownloading,
		download.StatePaused,
	}

	var ids []int64

	for _, state := range states {
		rec := sampleRecord()
		rec.State = state
		id, err := repo.Create(ctx, rec)
		require.NoError(t, err)

		ids = append(ids, id)
	}

	// Delete the three terminal rows by id, the way the controller clears
	// finished downloads.
	for _, id := range ids[:3] {
		require.NoError(t, repo.Delete(ctx, id))
	}

	records, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, rec := range records {
		require.False(t, rec.State.Terminal())
	}
}
