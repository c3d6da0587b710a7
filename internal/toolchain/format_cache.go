package toolchain

import (
	"context"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// Formatter formats source text for a toolchain version.
type Formatter interface {
	Format(ctx context.Context, version, source string) (string, error)
}

// CachedFormatter memoizes successful format results keyed by version and
// the BLAKE3 digest of the input. Failures are not cached.
type CachedFormatter struct {
	next  Formatter
	cache *lru.Cache[string, string]
}

// NewCachedFormatter wraps next with an LRU of the given size.
func NewCachedFormatter(next Formatter, size int) (*CachedFormatter, error) {
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &CachedFormatter{next: next, cache: cache}, nil
}

func formatKey(version, source string) string {
	sum := blake3.Sum256([]byte(source))
	return version + ":" + hex.EncodeToString(sum[:])
}

// Format returns the cached output for identical input or delegates.
func (c *CachedFormatter) Format(ctx context.Context, version, source string) (string, error) {
	key := formatKey(version, source)
	if out, ok := c.cache.Get(key); ok {
		return out, nil
	}
	out, err := c.next.Format(ctx, version, source)
	if err != nil {
		return "", err
	}
	c.cache.Add(key, out)
	return out, nil
}

// Len reports how many results are cached.
func (c *CachedFormatter) Len() int {
	return c.cache.Len()
}
