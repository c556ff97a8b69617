// Package resultcache is C11: a content-addressed classification result
// cache, keyed by (question_id, config_hash, model_name), persisted as a
// single JSON file with an atomic rename on save and a cross-process file
// lock so two classifyd instances sharing a cache file don't corrupt it.
package resultcache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/kimseunghyun/examcls/pkg/models"
)

// BuildConfigHash hashes config's JSON-marshalable representation, keys
// sorted for determinism, so two runs with identical knobs collapse onto
// the same cache key even if the knobs were set in different order.
func BuildConfigHash(config map[string]any) string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(config))
	for _, k := range keys {
		ordered[k] = config[k]
	}
	payload, _ := json.Marshal(ordered)
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}

type entry struct {
	Result   models.ClassificationDecision `json:"result"`
	CachedAt time.Time                     `json:"cached_at"`
}

// Cache is a lazily-loaded, in-process-safe view over one JSON file.
type Cache struct {
	path string

	mu     sync.Mutex
	loaded bool
	data   map[string]entry

	fileLock *flock.Flock
}

func New(path string) *Cache {
	return &Cache{path: path, data: map[string]entry{}}
}

func key(questionID int64, configHash, modelName string) string {
	return fmt.Sprintf("%d:%s:%s", questionID, configHash, modelName)
}

func (c *Cache) load() {
	if c.loaded {
		return
	}
	c.loaded = true
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var data map[string]entry
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	c.data = data
}

// Get returns the cached decision for (questionID, configHash, modelName),
// or ok=false on a miss or an unreadable/corrupt cache file.
func (c *Cache) Get(questionID int64, configHash, modelName string) (models.ClassificationDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	e, ok := c.data[key(questionID, configHash, modelName)]
	return e.Result, ok
}

// Set records a decision in memory; callers must call Save to persist it.
func (c *Cache) Set(questionID int64, configHash, modelName string, result models.ClassificationDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	c.data[key(questionID, configHash, modelName)] = entry{Result: result, CachedAt: time.Now()}
}

// Save writes the cache to disk atomically: marshal to a temp file in the
// same directory, then rename over the real path, so a crash mid-write
// never leaves a truncated cache file. A cross-process flock around the
// write protects against two classifyd processes racing on the same path.
func (c *Cache) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	if c.fileLock == nil {
		c.fileLock = flock.New(c.path + ".lock")
	}
	locked, err := c.fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire cache file lock: %w", err)
	}
	if locked {
		defer func() { _ = c.fileLock.Unlock() }()
	}

	payload, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename temp cache file: %w", err)
	}
	return nil
}
