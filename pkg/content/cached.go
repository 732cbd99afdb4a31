package content

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"quorumchain/pkg/types"
)

// Cached keeps recently downloaded objects. Content ids name immutable
// bytes, so entries never need invalidation.
type Cached struct {
	inner Store
	cache *lru.Cache[types.ContentID, []byte]
}

// NewCached wraps inner with an LRU of size downloads; size <= 0 uses 128.
func NewCached(inner Store, size int) (*Cached, error) {
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[types.ContentID, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Upload(ctx context.Context, data []byte) (types.ContentID, error) {
	id, err := c.inner.Upload(ctx, data)
	if err != nil {
		return "", err
	}
	c.cache.Add(id, append([]byte(nil), data...))
	return id, nil
}

func (c *Cached) Download(ctx context.Context, id types.ContentID) ([]byte, error) {
	if data, ok := c.cache.Get(id); ok {
		return append([]byte(nil), data...), nil
	}
	data, err := c.inner.Download(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, append([]byte(nil), data...))
	return data, nil
}

// Len is the number of cached objects.
func (c *Cached) Len() int { return c.cache.Len() }
