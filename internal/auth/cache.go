package auth

import (
	"context"
	"time"

	"notes-sharing-server/internal/domain"
	"notes-sharing-server/internal/metrics"
	"notes-sharing-server/pkg/hash"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachingVerifier memoises successful verifications. Entries live for the
// cache TTL but never past the token's own expiry.
type CachingVerifier struct {
	next  Verifier
	cache *expirable.LRU[string, *domain.Identity]
	now   func() time.Time
}

// NewCachingVerifier wraps next. A non-positive size disables caching and
// returns next unchanged.
func NewCachingVerifier(next Verifier, size int, ttl time.Duration) Verifier {
	if size <= 0 || ttl <= 0 {
		return next
	}
	return &CachingVerifier{
		next:  next,
		cache: expirable.NewLRU[string, *domain.Identity](size, nil, ttl),
		now:   time.Now,
	}
}

func (c *CachingVerifier) Verify(ctx context.Context, token string) (*domain.Identity, error) {
	key := tokenKey(token)

	if cached, ok := c.cache.Get(key); ok {
		if cached.ExpiresAt.IsZero() || c.now().Before(cached.ExpiresAt) {
			metrics.AuthCacheHits.Inc()
			return cloneIdentity(cached), nil
		}
		c.cache.Remove(key)
	}
	metrics.AuthCacheMisses.Inc()

	identity, err := c.next.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, cloneIdentity(identity))
	return identity, nil
}

// Len reports the number of cached identities.
func (c *CachingVerifier) Len() int {
	return c.cache.Len()
}

func tokenKey(token string) string {
	return hash.String(token)
}

func cloneIdentity(in *domain.Identity) *domain.Identity {
	out := *in
	if in.Claims != nil {
		out.Claims = make(map[string]interface{}, len(in.Claims))
		for k, v := range in.Claims {
			out.Claims[k] = v
		}
	}
	return &out
}
