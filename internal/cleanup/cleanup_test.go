package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestSweepPartials(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "old-1.iso.part")
	fresh := filepath.Join(dir, "new-2.iso.part")
	owned := filepath.Join(dir, "live-3.iso.part")
	complete := filepath.Join(dir, "done-4.iso")

	touch(t, stale, 48*time.Hour)
	touch(t, fresh, time.Minute)
	touch(t, owned, 48*time.Hour)
	touch(t, complete, 48*time.Hour)

	ownedSet := map[string]struct{}{owned: {}}

	require.NoError(t, SweepPartials(context.Background(), dir, ownedSet, 24*time.Hour))

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err), "stale orphan must be removed")

	for _, path := range []string{fresh, owned, complete} {
		_, err := os.Stat(path)
		require.NoError(t, err, "%s must survive the sweep", path)
	}
}

func TestSweepPartialsMissingDir(t *testing.T) {
	err := SweepPartials(context.Background(), filepath.Join(t.TempDir(), "absent"), nil, time.Hour)
	require.Error(t, err)
}
