// Package cleanup removes orphaned partial artifacts from the download
// directory.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/isoforge/isoforge/internal/logctx"
	"github.com/isoforge/isoforge/internal/transfer"
)

// SweepPartials deletes partial artifacts in dir that no live record owns
// and that have not been written to for at least maxAge. Owned paths come
// from the controller, so an in-flight transfer is never touched.
func SweepPartials(ctx context.Context, dir string, owned map[string]struct{}, maxAge time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transfer.PartialSuffix) {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		if _, ok := owned[path]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(path); err != nil {
			logger.Error("failed to remove orphaned partial", "path", path, "err", err)

			continue
		}

		logger.Info("removed orphaned partial", "path", path, "age", time.Since(info.ModTime()).Round(time.Second))
	}

	return nil
}
