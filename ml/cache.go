package ml

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheSize = 32

type CacheConfig struct {
	Size    int
	Options []Option
	Logger  *zap.Logger
	// OnLoad observes every artifact load the cache performs.
	OnLoad func(dir string, elapsed time.Duration, err error)
}

type cacheEntry struct {
	predictor   *Predictor
	fingerprint string
}

// Cache keeps loaded predictors keyed by model directory. An entry is only
// served while the artifact files still match the fingerprint taken when it
// was loaded, so replaced models are picked up without a restart.
type Cache struct {
	entries *lru.Cache[string, *cacheEntry]
	group   singleflight.Group
	config  CacheConfig
	logger  *zap.Logger
}

func NewCache(config CacheConfig) (*Cache, error) {
	if config.Size <= 0 {
		config.Size = DefaultCacheSize
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := lru.New[string, *cacheEntry](config.Size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, config: config, logger: logger}, nil
}

// Get returns the predictor for dir, loading or reloading it when needed.
func (c *Cache) Get(dir, name string) (*Predictor, error) {
	key, err := cacheKey(dir)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint(key)
	if err != nil {
		c.entries.Remove(key)
		return nil, fmt.Errorf("%w: %w", ErrArtifactLoad, err)
	}
	if entry, ok := c.entries.Get(key); ok {
		if entry.fingerprint == fp {
			return entry.predictor.WithName(name), nil
		}
		c.logger.Info("model artifacts changed, reloading", zap.String("dir", key))
	}

	v, err, _ := c.group.Do(key+"\x00"+fp, func() (interface{}, error) {
		start := time.Now()
		p, err := LoadPredictor(key, name, c.config.Options...)
		if c.config.OnLoad != nil {
			c.config.OnLoad(key, time.Since(start), err)
		}
		if err != nil {
			c.entries.Remove(key)
			return nil, err
		}
		c.entries.Add(key, &cacheEntry{predictor: p, fingerprint: fp})
		c.logger.Info("model loaded", zap.String("dir", key), zap.Duration("elapsed", time.Since(start)))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Predictor).WithName(name), nil
}

// Invalidate drops the entry for dir and any entry nested below it.
func (c *Cache) Invalidate(dir string) {
	key, err := cacheKey(dir)
	if err != nil {
		return
	}
	prefix := key + string(filepath.Separator)
	for _, cached := range c.entries.Keys() {
		if cached == key || strings.HasPrefix(cached, prefix) {
			if c.entries.Remove(cached) {
				c.logger.Info("model cache invalidated", zap.String("dir", cached))
			}
		}
	}
}

func (c *Cache) Purge() {
	c.entries.Purge()
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func cacheKey(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: empty model directory", ErrInvalidModelPath)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// fingerprint summarizes size and modification time of the artifact files.
func fingerprint(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrModelDirNotFound, dir)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrModelDirNotFound, dir)
	}
	var b strings.Builder
	for _, name := range ArtifactFiles() {
		fi, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			fmt.Fprintf(&b, "%s:-;", name)
			continue
		}
		fmt.Fprintf(&b, "%s:%d:%d;", name, fi.Size(), fi.ModTime().UnixNano())
	}
	return b.String(), nil
}
