package authz

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/amicus-social/amicus/pkg/pair"
	"github.com/amicus-social/amicus/pkg/policy"
	"github.com/amicus-social/amicus/pkg/storage"
)

const (
	defaultMaxCacheSize int64 = 10000
	defaultCacheTTL           = 10 * time.Second
)

var (
	decisionCacheTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amicus_decision_cache_total_count",
		Help: "The total number of cached Authorize evaluations.",
	})

	decisionCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amicus_decision_cache_hit_count",
		Help: "The total number of cache hits for Authorize.",
	})
)

// CachedAuthorizer serves Authorize verdicts from prior computations before
// delegating to an underlying Authorizer.
//
// Every cache key embeds a per-pair epoch counter. The constructor
// subscribes to the edge store, and the subscriber bumps the epoch for the
// changed pair synchronously with the commit, so both directions of the
// pair are invalidated atomically: after a block commits, no stale ALLOW
// can be served. Policy changes are not evented and age out within the TTL.
type CachedAuthorizer struct {
	delegate Authorizer
	cache    *theine.Cache[string, Decision]

	maxCacheSize int64
	cacheTTL     time.Duration

	// map: canonical pair key => *atomic.Uint64 epoch
	epochs sync.Map

	closeOnce sync.Once
}

var _ Authorizer = (*CachedAuthorizer)(nil)

// CachedAuthorizerOpt configures a CachedAuthorizer.
type CachedAuthorizerOpt func(*CachedAuthorizer)

// WithMaxCacheSize sets the maximum number of cached decisions. Past this
// size entries are evicted by the cache's admission policy.
func WithMaxCacheSize(size int64) CachedAuthorizerOpt {
	return func(c *CachedAuthorizer) {
		c.maxCacheSize = size
	}
}

// WithCacheTTL sets the TTL for any single cached decision.
func WithCacheTTL(ttl time.Duration) CachedAuthorizerOpt {
	return func(c *CachedAuthorizer) {
		c.cacheTTL = ttl
	}
}

// NewCachedAuthorizer wraps delegate with a decision cache invalidated by
// relationship changes committed to store.
func NewCachedAuthorizer(delegate Authorizer, store storage.RelationshipEdgeStore, opts ...CachedAuthorizerOpt) (*CachedAuthorizer, error) {
	c := &CachedAuthorizer{
		delegate:     delegate,
		maxCacheSize: defaultMaxCacheSize,
		cacheTTL:     defaultCacheTTL,
	}

	for _, opt := range opts {
		opt(c)
	}

	cache, err := theine.NewBuilder[string, Decision](c.maxCacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("build decision cache: %w", err)
	}
	c.cache = cache

	store.Subscribe(func(change storage.EdgeChange) {
		c.InvalidatePair(change.Record.Pair)
	})

	return c, nil
}

// InvalidatePair discards every cached decision between the two users of
// the pair, in both directions.
func (c *CachedAuthorizer) InvalidatePair(p pair.Pair) {
	c.pairEpoch(p.Key()).Add(1)
}

func (c *CachedAuthorizer) pairEpoch(key string) *atomic.Uint64 {
	if v, ok := c.epochs.Load(key); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := c.epochs.LoadOrStore(key, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// Authorize see [Authorizer].Authorize.
func (c *CachedAuthorizer) Authorize(ctx context.Context, viewer, owner pair.UserID, class policy.ResourceClass, override policy.Level) (Decision, error) {
	decisionCacheTotalCounter.Inc()

	key := c.cacheKey(viewer, owner, class, override)
	if d, ok := c.cache.Get(key); ok {
		decisionCacheHitCounter.Inc()
		return d, nil
	}

	d, err := c.delegate.Authorize(ctx, viewer, owner, class, override)
	if err != nil {
		return Decision{}, err
	}

	c.cache.SetWithTTL(key, d, 1, c.cacheTTL)
	return d, nil
}

// Close releases the cache. The delegate is not closed; it may be shared.
func (c *CachedAuthorizer) Close() {
	c.closeOnce.Do(func() {
		c.cache.Close()
	})
}

// cacheKey folds the request and the current pair epoch into a stable key.
// Bumping the epoch makes every previous key for the pair unreachable; the
// orphaned entries age out via TTL and eviction.
func (c *CachedAuthorizer) cacheKey(viewer, owner pair.UserID, class policy.ResourceClass, override policy.Level) string {
	var epoch uint64
	if p, err := pair.New(viewer, owner); err == nil {
		epoch = c.pairEpoch(p.Key()).Load()
	}

	hasher := xxhash.New()
	_, _ = hasher.WriteString(fmt.Sprintf("%d/%s@%s#%s/%d", epoch, viewer, owner, class, override))
	return strconv.FormatUint(hasher.Sum64(), 10)
}
