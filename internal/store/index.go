package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

const indexVersion = "1"

// storeIndex is the bookkeeping sidecar for the store: a mapping from
// engine version to installation metadata, persisted as JSON next to the
// installation directories. The on-disk directories remain the source of
// truth; the index is reconciled against them at startup.
type storeIndex struct {
	Version string                   `json:"version"`
	Engines map[string]*Installation `json:"engines"`
	mu      sync.RWMutex
}

// loadOrCreateIndex loads an existing index from disk or creates a new
// empty one if the file does not exist.
func loadOrCreateIndex(fs billy.Filesystem, path string) (*storeIndex, error) {
	if _, err := fs.Stat(path); os.IsNotExist(err) {
		return &storeIndex{
			Version: indexVersion,
			Engines: make(map[string]*Installation),
		}, nil
	}

	data, err := util.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}

	var idx storeIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse index file: %w", err)
	}

	if idx.Version != indexVersion {
		return nil, fmt.Errorf("unsupported index version: %s (expected %s)", idx.Version, indexVersion)
	}
	if idx.Engines == nil {
		idx.Engines = make(map[string]*Installation)
	}

	return &idx, nil
}

// save writes the index to disk atomically via write-to-temp + rename.
func (idx *storeIndex) save(fs billy.Filesystem, path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tmpPath := path + ".tmp"
	tmpFile, err := fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary index file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary index file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary index file: %w", err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	return nil
}

// get retrieves installation metadata by version. Returns nil if absent.
func (idx *storeIndex) get(version string) *Installation {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.Engines[version]
}

// set stores or updates installation metadata.
func (idx *storeIndex) set(version string, inst *Installation) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.Engines[version] = inst
}

// delete removes installation metadata by version.
func (idx *storeIndex) delete(version string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.Engines, version)
}

// touch updates the last-used timestamp for a version.
func (idx *storeIndex) touch(version string, now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if inst, ok := idx.Engines[version]; ok {
		inst.LastUsedAt = now
	}
}

// list returns a copy of all installation metadata.
func (idx *storeIndex) list() []Installation {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	result := make([]Installation, 0, len(idx.Engines))
	for _, inst := range idx.Engines {
		result = append(result, *inst)
	}
	return result
}
