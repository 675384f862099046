package catalog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestSuggestedFilename(t *testing.T) {
	tests := []struct {
		name  string
		image Image
		want  string
	}{
		{
			name:  "plain fields",
			image: Image{Name: "Debian", Version: "12.9.0", Category: "linux", Architecture: "amd64"},
			want:  "linux-debian-12.9.0-amd64.iso",
		},
		{
			name:  "spaces collapse to dashes",
			image: Image{Name: "Ubuntu Desktop", Version: "24.04.2", Category: "linux", Architecture: "amd64"},
			want:  "linux-ubuntu-desktop-24.04.2-amd64.iso",
		},
		{
			name:  "path separators sanitized",
			image: Image{Name: "Weird/Name", Version: "1", Category: "linux", Architecture: "x86_64"},
			want:  "linux-weird-name-1-x86_64.iso",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.image.SuggestedFilename())
		})
	}
}

func TestAllocatorUniquePaths(t *testing.T) {
	alloc := NewAllocator("/downloads")

	a := alloc.Allocate(1, "linux-debian-12.9.0-amd64.iso")
	b := alloc.Allocate(2, "linux-debian-12.9.0-amd64.iso")

	require.Equal(t, filepath.Join("/downloads", "linux-debian-12.9.0-amd64-1.iso"), a)
	require.NotEqual(t, a, b, "two records for the same image must not share a path")
}

func TestAllocatorEmptySuggestion(t *testing.T) {
	alloc := NewAllocator("/downloads")

	require.Equal(t, filepath.Join("/downloads", "download-7.iso"), alloc.Allocate(7, ""))
}

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := NewSQLiteCatalog(db)
	require.NoError(t, c.Init(context.Background()))

	return c
}

func TestSQLiteCatalogLookup(t *testing.T) {
	c := newTestCatalog(t)

	img, err := c.Lookup(context.Background(), "debian-12-netinst")
	require.NoError(t, err)
	require.Equal(t, "Debian", img.Name)
	require.Equal(t, "sha256", img.ChecksumAlgo)
	require.NotEmpty(t, img.URL)
}

func TestSQLiteCatalogLookupUnknown(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.Lookup(context.Background(), "template-os")

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "template-os", notFound.OSID)
}

func TestSQLiteCatalogAll(t *testing.T) {
	c := newTestCatalog(t)

	images, err := c.All(context.Background())
	require.NoError(t, err)
	require.Len(t, images, len(seedImages))
}

func TestSQLiteCatalogInitIdempotent(t *testing.T) {
	c := newTestCatalog(t)

	// Local edits must survive a reseed.
	_, err := c.db.ExecContext(context.Background(),
		`UPDATE images SET url = 'http://mirror.local/debian.iso' WHERE os_id = 'debian-12-netinst'`)
	require.NoError(t, err)

	require.NoError(t, c.Init(context.Background()))

	img, err := c.Lookup(context.Background(), "debian-12-netinst")
	require.NoError(t, err)
	require.Equal(t, "http://mirror.local/debian.iso", img.URL)
}
