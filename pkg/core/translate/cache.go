package translate

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
)

const DefaultCacheTTL = 10 * time.Minute

type CacheConfig struct {
	// Dir persists entries on disk; empty keeps the cache in memory.
	Dir string
	TTL time.Duration
}

// Cache memoizes translations keyed by source, target and text.
type Cache struct {
	next   pipeline.Translator
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache(next pipeline.Translator, cfg CacheConfig, logger *slog.Logger) (*Cache, error) {
	if next == nil {
		return nil, errors.New("cache: translator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.Dir == "").
		WithMemTableSize(8 << 20).
		WithBlockCacheSize(0).
		WithLogger(badgerLogger{logger: logger.With("component", "translate_cache")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open translation cache: %w", err)
	}
	return &Cache{next: next, db: db, ttl: cfg.TTL, logger: logger}, nil
}

func (c *Cache) Translate(ctx context.Context, text, source, target string) (string, error) {
	key := cacheKey(text, source, target)
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	out, err := c.next.Translate(ctx, text, source, target)
	if err != nil {
		return "", err
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, []byte(out)).WithTTL(c.ttl))
	}); err != nil {
		c.logger.Warn("translation cache write failed", "error", err)
	}
	return out, nil
}

func (c *Cache) lookup(key []byte) (string, bool) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("translation cache read failed", "error", err)
		}
		return "", false
	}
	return string(val), true
}

// Stats reports cache hits and misses since creation.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(text, source, target string) []byte {
	sum := sha256.Sum256([]byte(strings.ToLower(source) + "\x00" + strings.ToLower(target) + "\x00" + text))
	return append([]byte("tr:"), sum[:]...)
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
