package payment

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MinRefreshMargin is the smallest allowed gap between refreshing a token and
// its expiry.
const MinRefreshMargin = 30 * time.Second

// Token is a short-lived provider access credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenFetcher obtains a fresh token from the provider.
type TokenFetcher func(ctx context.Context) (Token, error)

// TokenCache holds one provider credential and refreshes it shortly before it
// expires. Concurrent callers that find the token stale share one fetch.
type TokenCache struct {
	mu        sync.Mutex
	token     Token
	margin    time.Duration
	group     singleflight.Group
	now       func() time.Time
	onRefresh func()
}

// NewTokenCache creates a cache that refreshes margin before expiry.
// Margins below MinRefreshMargin are raised to it.
func NewTokenCache(margin time.Duration) *TokenCache {
	if margin < MinRefreshMargin {
		margin = MinRefreshMargin
	}
	return &TokenCache{
		margin: margin,
		now:    time.Now,
	}
}

// Token returns the cached credential, fetching a new one if it is missing or
// within the refresh margin of expiry.
func (c *TokenCache) Token(ctx context.Context, fetch TokenFetcher) (string, error) {
	if v, ok := c.cached(); ok {
		return v, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		if v, ok := c.cached(); ok {
			return v, nil
		}
		// The shared fetch must not die with whichever caller started it.
		tok, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		if c.onRefresh != nil {
			c.onRefresh()
		}
		return tok.Value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached credential so the next call fetches a new one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}

// Margin returns the refresh margin in effect.
func (c *TokenCache) Margin() time.Duration {
	return c.margin
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value == "" {
		return "", false
	}
	if !c.now().Before(c.token.ExpiresAt.Add(-c.margin)) {
		return "", false
	}
	return c.token.Value, true
}
