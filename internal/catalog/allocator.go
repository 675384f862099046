package catalog

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Allocator maps download records to destination paths inside a base
// directory. The record id is embedded before the extension so two records
// for the same image never collide.
type Allocator struct {
	Dir string
}

func NewAllocator(dir string) *Allocator {
	return &Allocator{Dir: dir}
}

func (a *Allocator) Allocate(id int64, suggested string) string {
	if suggested == "" {
		suggested = "download.iso"
	}

	ext := filepath.Ext(suggested)
	base := strings.TrimSuffix(suggested, ext)

	return filepath.Join(a.Dir, fmt.Sprintf("%s-%d%s", base, id, ext))
}
