package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/logging"
)

const indexFile = "cache_index.json"

// lruSlots bounds the entry count; eviction is driven by the byte budget
const lruSlots = 1 << 30

// Key identifies a cached tile: the request namespace (resource type,
// survey and date filters) plus the tile address
type Key struct {
	Namespace string
	Z, X, Y   int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%d:%d", k.Namespace, k.Z, k.X, k.Y)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

// Namespace joins request parameters into a directory-safe name. Empty parts
// are skipped so "Vert" with no filters stays "Vert".
func Namespace(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(unsafeChars.ReplaceAllString(p, "-"), "-"); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "default"
	}
	return strings.Join(kept, "_")
}

// TileMetadata stores information about a cached tile
type TileMetadata struct {
	Key         string    `json:"key"`
	Namespace   string    `json:"namespace"`
	Z           int       `json:"z"`
	X           int       `json:"x"`
	Y           int       `json:"y"`
	Ext         string    `json:"ext"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	AccessTime  time.Time `json:"accessTime"`
	CreateTime  time.Time `json:"createTime"`
}

// PersistentTileCache provides disk-based caching with a ZXY directory layout:
// {baseDir}/{namespace}/{z}/{x}/{y}.{ext}, indexed by cache_index.json.
// Least recently used tiles are evicted once the byte budget is exceeded.
type PersistentTileCache struct {
	baseDir  string
	maxSize  int64
	currSize int64
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	lru   *simplelru.LRU[string, *TileMetadata]
	dirty bool
}

// NewPersistentTileCache opens (or creates) a cache rooted at baseDir.
// maxSizeMB <= 0 means unbounded; ttlDays <= 0 disables expiry.
func NewPersistentTileCache(baseDir string, maxSizeMB int, ttlDays int) (*PersistentTileCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &PersistentTileCache{
		baseDir: baseDir,
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		ttl:     time.Duration(ttlDays) * 24 * time.Hour,
		now:     time.Now,
	}
	lru, err := simplelru.NewLRU[string, *TileMetadata](lruSlots, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru

	if err := c.loadMetadata(); err != nil {
		l := logging.Component("cache")
		l.Debug().Err(err).Str("dir", baseDir).Msg("rebuilding cache index from disk")
		if err := c.rebuildMetadata(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}
	return c, nil
}

// onEvict runs with mu held for every entry leaving the LRU
func (c *PersistentTileCache) onEvict(_ string, meta *TileMetadata) {
	_ = os.Remove(c.buildFilePath(meta))
	c.currSize -= meta.Size
	c.dirty = true
}

// Get retrieves a tile and its content type
func (c *PersistentTileCache) Get(key Key) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.lru.Get(key.String())
	if !ok {
		return nil, "", false
	}
	now := c.now()
	if c.ttl > 0 && now.Sub(meta.CreateTime) > c.ttl {
		c.lru.Remove(meta.Key)
		return nil, "", false
	}

	data, err := os.ReadFile(c.buildFilePath(meta))
	if err != nil {
		c.lru.Remove(meta.Key)
		return nil, "", false
	}
	meta.AccessTime = now
	c.dirty = true
	return data, meta.ContentType, true
}

// Set stores a tile, then evicts the oldest entries while over budget
func (c *PersistentTileCache) Set(key Key, contentType string, data []byte) error {
	now := c.now()
	meta := &TileMetadata{
		Key:         key.String(),
		Namespace:   key.Namespace,
		Z:           key.Z,
		X:           key.X,
		Y:           key.Y,
		Ext:         common.ExtensionForContentType(contentType),
		ContentType: contentType,
		Size:        int64(len(data)),
		AccessTime:  now,
		CreateTime:  now,
	}
	filePath := c.buildFilePath(meta)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.lru.Peek(meta.Key); exists {
		// Remove deletes the old file; a changed extension must not leave it behind
		c.lru.Remove(old.Key)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	c.lru.Add(meta.Key, meta)
	c.currSize += meta.Size
	c.dirty = true

	for c.maxSize > 0 && c.currSize > c.maxSize && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
	return nil
}

func (c *PersistentTileCache) buildFilePath(meta *TileMetadata) string {
	return filepath.Join(c.baseDir, meta.Namespace, strconv.Itoa(meta.Z),
		strconv.Itoa(meta.X), fmt.Sprintf("%d.%s", meta.Y, meta.Ext))
}

// Flush writes the index if anything changed since the last flush
func (c *PersistentTileCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	return c.saveMetadata()
}

// Close flushes the index
func (c *PersistentTileCache) Close() error {
	return c.Flush()
}

// loadMetadata reads the index; entries are stored oldest access first
func (c *PersistentTileCache) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, indexFile))
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var entries []*TileMetadata
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.addSorted(entries)
	return nil
}

// saveMetadata must be called with mu held
func (c *PersistentTileCache) saveMetadata() error {
	data, err := json.MarshalIndent(c.lru.Values(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	metaPath := filepath.Join(c.baseDir, indexFile)
	tempPath := metaPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	c.dirty = false
	return nil
}

// rebuildMetadata scans {namespace}/{z}/{x}/{y}.{ext} files under baseDir
func (c *PersistentTileCache) rebuildMetadata() error {
	var entries []*TileMetadata

	err := filepath.WalkDir(c.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		relPath, _ := filepath.Rel(c.baseDir, path)
		parts := strings.Split(relPath, string(os.PathSeparator))
		if len(parts) != 4 {
			return nil
		}

		ext := strings.TrimPrefix(filepath.Ext(parts[3]), ".")
		z, errZ := strconv.Atoi(parts[1])
		x, errX := strconv.Atoi(parts[2])
		y, errY := strconv.Atoi(strings.TrimSuffix(parts[3], "."+ext))
		if errors.Join(errZ, errX, errY) != nil || ext == "" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		key := Key{Namespace: parts[0], Z: z, X: x, Y: y}
		entries = append(entries, &TileMetadata{
			Key:         key.String(),
			Namespace:   key.Namespace,
			Z:           z,
			X:           x,
			Y:           y,
			Ext:         ext,
			ContentType: common.ContentTypeForExtension(ext),
			Size:        info.Size(),
			AccessTime:  info.ModTime(),
			CreateTime:  info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.addSorted(entries)
	return c.saveMetadata()
}

// addSorted inserts entries oldest access first so LRU order survives restarts
func (c *PersistentTileCache) addSorted(entries []*TileMetadata) {
	slices.SortStableFunc(entries, func(a, b *TileMetadata) int {
		return a.AccessTime.Compare(b.AccessTime)
	})
	for _, meta := range entries {
		if meta == nil || meta.Key == "" {
			continue
		}
		if old, exists := c.lru.Peek(meta.Key); exists {
			c.currSize -= old.Size
		}
		c.lru.Add(meta.Key, meta)
		c.currSize += meta.Size
	}
}

// Stats returns cache statistics
func (c *PersistentTileCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.currSize, c.maxSize
}

// Clear removes all cached tiles
func (c *PersistentTileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.currSize = 0
	return c.saveMetadata()
}

// GetCachePath returns the base directory of the cache
func (c *PersistentTileCache) GetCachePath() string {
	return c.baseDir
}
