package querycache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// fileFormat is the on-disk layout. Version guards against reading a file
// written by an incompatible release.
type fileFormat struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

const fileVersion = 1

// Save writes every entry to path as JSON.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	out := fileFormat{Version: fileVersion, Entries: make([]Entry, 0, len(c.entries))}
	for _, e := range c.entries {
		out.Entries = append(out.Entries, *e)
	}
	c.mu.Unlock()

	sort.Slice(out.Entries, func(i, j int) bool {
		a, b := out.Entries[i].Key, out.Entries[j].Key
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		return a.Params < b.Params
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("querycache: creating directory: %w", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("querycache: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("querycache: writing %s: %w", path, err)
	}
	return nil
}

// Load replaces the cache contents with the entries saved at path.
// A missing file, or one written by another format version, leaves the
// cache empty without error.
func (c *Cache) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("querycache: reading %s: %w", path, err)
	}

	var in fileFormat
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("querycache: parsing %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*Entry)
	if in.Version != fileVersion {
		return nil
	}
	for i := range in.Entries {
		e := in.Entries[i]
		c.entries[e.Key] = &e
	}
	return nil
}
