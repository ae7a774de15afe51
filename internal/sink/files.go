package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RawDumps writes the offending response body or exception text for units
// that end in permanent failure or exception, one file per unit.
type RawDumps struct {
	dir string
}

// NewRawDumps creates the raw dump directory.
func NewRawDumps(dir string) (*RawDumps, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create raw dir: %w", err)
	}
	return &RawDumps{dir: dir}, nil
}

// Write stores text under {dir}/{id}_raw.txt.
func (r *RawDumps) Write(id, text string) error {
	path := filepath.Join(r.dir, id+"_raw.txt")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return fmt.Errorf("write raw dump %s: %w", id, err)
	}
	return nil
}

// PageDumps writes one file per successfully fetched list page, preserving
// the payload byte-for-byte for downstream consumers.
type PageDumps struct {
	dir   string
	limit int
}

// NewPageDumps creates the page dump directory for the given page size.
func NewPageDumps(dir string, limit int) (*PageDumps, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create pages dir: %w", err)
	}
	return &PageDumps{dir: dir, limit: limit}, nil
}

// Write stores the page payload under dump-page-{p}-{limit}.json.
func (p *PageDumps) Write(page string, payload []byte) error {
	path := filepath.Join(p.dir, fmt.Sprintf("dump-page-%s-%d.json", page, p.limit))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write page dump %s: %w", page, err)
	}
	return nil
}

// ExistingPages scans the dump directory for pages already written with this
// page size. Together with the successful ledger it forms the resume set.
func ExistingPages(dir string, limit int) (map[string]struct{}, error) {
	pages := make(map[string]struct{})
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return pages, nil
		}
		return nil, fmt.Errorf("scan pages dir: %w", err)
	}
	prefix := "dump-page-"
	suffix := fmt.Sprintf("-%d.json", limit)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		middle := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		if _, err := strconv.Atoi(middle); err == nil {
			pages[middle] = struct{}{}
		}
	}
	return pages, nil
}
