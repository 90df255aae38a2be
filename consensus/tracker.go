package consensus

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Tracker holds the latest annotation sets per source and the most recent
// merge result for HTTP endpoints.
type Tracker struct {
	mu        sync.RWMutex
	sources   map[string]*Source
	updatedAt map[string]time.Time
	result    *Result
	cachePath string // path to the result cache file; empty disables persistence
}

// NewTracker creates a new tracker
func NewTracker() *Tracker {
	return &Tracker{
		sources:   make(map[string]*Source),
		updatedAt: make(map[string]time.Time),
	}
}

// NewTrackerWithCache creates a tracker that persists the merge result to the
// given cache file path. If the file exists, the cached result is loaded on
// creation.
func NewTrackerWithCache(cachePath string) *Tracker {
	t := &Tracker{
		sources:   make(map[string]*Source),
		updatedAt: make(map[string]time.Time),
		cachePath: cachePath,
	}
	if cachePath != "" {
		if r, err := LoadResult(cachePath); err == nil {
			t.result = r
		}
	}
	return t
}

// UpdateSource stores the latest annotations for a named source
func (t *Tracker) UpdateSource(src Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy := src
	t.sources[src.Name] = &copy
	t.updatedAt[src.Name] = time.Now()
}

// GetSources returns the current sources ordered by name
func (t *Tracker) GetSources() []Source {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.sources))
	for name := range t.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]Source, 0, len(names))
	for _, name := range names {
		result = append(result, *t.sources[name])
	}
	return result
}

// SourceCount returns the number of sources seen so far
func (t *Tracker) SourceCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sources)
}

// HasSources returns true if at least one source has been received
func (t *Tracker) HasSources() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sources) > 0
}

// GetResult returns the latest merge result, or nil if none exists.
func (t *Tracker) GetResult() *Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// Remerge runs the engine over all stored sources and stores the outcome.
// Sources are merged in name order so repeated runs over the same inputs
// produce the same result.
//
// The result is persisted to the cache file when a cache path is configured.
func (t *Tracker) Remerge(engine *Engine) (*Result, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is nil")
	}

	sources := t.GetSources()
	if len(sources) == 0 {
		return nil, fmt.Errorf("no annotation sources available")
	}

	result, err := engine.Merge(sources)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.result = result
	cachePath := t.cachePath
	t.mu.Unlock()

	if cachePath != "" {
		if err := SaveResult(result, cachePath); err != nil {
			log.Printf("warning: failed to save result cache: %v", err)
		}
	}

	return result, nil
}

// SaveResult writes a merge result to disk as JSON.
func SaveResult(r *Result, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write result cache: %w", err)
	}
	return nil
}

// LoadResult reads a merge result from a JSON file on disk.
func LoadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result cache: %w", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result cache: %w", err)
	}
	return &r, nil
}
