package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/cache"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/hilthontt/relay/internal/infrastructure/metrics"
	"golang.org/x/sync/singleflight"
)

var ErrValidatorUnavailable = errors.New("session validator unavailable")

// Source resolves a token against the session store. A nil session with a
// nil error means the token is not valid.
type Source interface {
	Lookup(ctx context.Context, token string) (*domain.Session, error)
}

type Validator struct {
	source        Source
	cache         *cache.Cache[*domain.Session]
	ttl           time.Duration
	lookupTimeout time.Duration
	group         singleflight.Group
	logger        logging.Logger
	metrics       *metrics.Metrics
}

type Options struct {
	CacheTTL time.Duration
	// LookupTimeout bounds one shared lookup, independent of the callers
	// waiting on it.
	LookupTimeout time.Duration
	// Cache overrides the default cache, mostly for tests.
	Cache *cache.Cache[*domain.Session]
}

func NewValidator(source Source, opts Options, logger logging.Logger, m *metrics.Metrics) *Validator {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 10 * time.Second
	}

	c := opts.Cache
	if c == nil {
		cacheOpts := cache.DefaultOptions()
		cacheOpts.DefaultTTL = opts.CacheTTL
		c = cache.New[*domain.Session](cacheOpts)
	}

	return &Validator{
		source:        source,
		cache:         c,
		ttl:           opts.CacheTTL,
		lookupTimeout: opts.LookupTimeout,
		logger:        logger,
		metrics:       m,
	}
}

// Validate returns the session behind token, or nil when the token is not
// valid. Both outcomes are cached; errors from the store are not.
func (v *Validator) Validate(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, nil
	}

	key := cacheKey(token)
	if sess, ok := v.cache.Get(key); ok {
		v.metrics.SessionCache.WithLabelValues("hit").Inc()
		return sess, nil
	}
	v.metrics.SessionCache.WithLabelValues("miss").Inc()

	// The shared lookup outlives the caller that started it; each caller
	// still stops waiting when its own ctx ends.
	flight := v.group.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.lookupTimeout)
		defer cancel()

		start := time.Now()
		sess, err := v.source.Lookup(lookupCtx, token)
		v.metrics.SessionLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}

		if !sess.Valid() {
			sess = nil
		}
		v.cache.Set(key, sess, v.ttl)
		return sess, nil
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := res.Err; err != nil {
		v.logger.Warn(logging.Session, logging.Lookup, "session lookup failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return nil, fmt.Errorf("%w: %w", ErrValidatorUnavailable, err)
	}

	sess, _ := res.Val.(*domain.Session)
	return sess, nil
}

func (v *Validator) Invalidate(token string) {
	v.cache.Delete(cacheKey(token))
}

func (v *Validator) Clear() {
	v.cache.Flush()
}

func (v *Validator) Stats() cache.Stats {
	return v.cache.Stats()
}

func (v *Validator) Close() {
	v.cache.Close()
}

// cacheKey keeps raw tokens out of process memory dumps.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
