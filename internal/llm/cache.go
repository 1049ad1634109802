package llm

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedResponder memoizes replies per player and message for a TTL.
type CachedResponder struct {
	next  Responder
	cache *expirable.LRU[string, Reply]
}

func NewCachedResponder(next Responder, size int, ttl time.Duration) *CachedResponder {
	return &CachedResponder{
		next:  next,
		cache: expirable.NewLRU[string, Reply](size, nil, ttl),
	}
}

func (c *CachedResponder) Name() string { return c.next.Name() }

func cacheKey(p Prompt) string {
	return p.PlayerName + "\x00" + p.CompanionName + "\x00" + p.Text
}

func (c *CachedResponder) Reply(ctx context.Context, p Prompt) (Reply, error) {
	key := cacheKey(p)
	if r, ok := c.cache.Get(key); ok {
		r.Cached = true
		return r, nil
	}
	r, err := c.next.Reply(ctx, p)
	if err != nil {
		return Reply{}, err
	}
	c.cache.Add(key, r)
	return r, nil
}

func (c *CachedResponder) Len() int {
	return c.cache.Len()
}
