// Package membership resolves group rooms listed in the permission
// configuration into the users currently joined to them.
package membership

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/power"
	"github.com/patrickmn/go-cache"
)

const (
	defaultTTL     = 5 * time.Minute
	cleanupPeriod  = 30 * time.Second
	groupKeyPrefix = "group:"
)

type CachedResolver struct {
	gw    matrix.Gateway
	retry matrix.RetryPolicy
	cache *cache.Cache
}

func NewCachedResolver(gw matrix.Gateway, retry matrix.RetryPolicy, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &CachedResolver{
		gw:    gw,
		retry: retry,
		cache: cache.New(ttl, cleanupPeriod),
	}
}

var _ power.GroupResolver = (*CachedResolver)(nil)

// GroupMembers returns the joined members of roomID. Results are cached so
// that authorizing a burst of commands reads each group once. Failures are
// never cached.
func (r *CachedResolver) GroupMembers(ctx context.Context, roomID string) ([]string, error) {
	key := groupKeyPrefix + roomID
	if cached, ok := r.cache.Get(key); ok {
		return slices.Clone(cached.([]string)), nil
	}
	var members []matrix.Member
	err := matrix.Retry(ctx, r.retry, func(ctx context.Context) error {
		var err error
		members, err = r.gw.GetMembers(ctx, roomID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read members of group %s: %w", roomID, err)
	}
	joined := make([]string, 0, len(members))
	for _, m := range members {
		if m.Membership == matrix.MembershipJoin {
			joined = append(joined, m.UserID)
		}
	}
	r.cache.SetDefault(key, joined)
	return slices.Clone(joined), nil
}

// Invalidate drops the cached members of roomID, or of every group when
// roomID is empty.
func (r *CachedResolver) Invalidate(roomID string) {
	if roomID == "" {
		r.cache.Flush()
		return
	}
	r.cache.Delete(groupKeyPrefix + roomID)
}
