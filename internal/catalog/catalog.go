// Package catalog holds the library of operating system images that can be
// downloaded, and allocates destination paths for their artifacts.
package catalog

import (
	"context"
	"fmt"
	"strings"
)

// Image describes one downloadable OS image.
type Image struct {
	OSID         string
	Name         string
	Version      string
	Category     string
	Architecture string
	Icon         string
	URL          string
	Checksum     string
	ChecksumAlgo string
	SizeBytes    int64
}

// SuggestedFilename derives a canonical artifact name from the image
// metadata, lowercased with spaces collapsed to dashes.
func (i Image) SuggestedFilename() string {
	name := fmt.Sprintf("%s-%s-%s-%s.iso", i.Category, i.Name, i.Version, i.Architecture)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	name = strings.ReplaceAll(name, "/", "-")

	return name
}

// Finder looks images up by their catalog id.
type Finder interface {
	Lookup(ctx context.Context, osID string) (*Image, error)
	All(ctx context.Context) ([]*Image, error)
}

// NotFoundError indicates the requested image is not in the catalog.
type NotFoundError struct {
	OSID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("image %q not found in catalog", e.OSID)
}
