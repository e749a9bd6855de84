// Package cache implements the fingerprinted response cache: a request
// fingerprint maps to a previously observed response (status, headers,
// body) with TTL expiry and LRU pressure eviction.
//
// Storage eligibility follows origin semantics: error statuses, bodies
// over 1 MiB, and responses carrying no-cache, no-store or private
// directives are never stored. TTL is the response max-age when present,
// otherwise the configured default.
//
// Eviction runs on two triggers: a background sweeper removes expired
// entries at a fixed cadence, and when occupancy reaches 90% of capacity
// the least-recently-accessed 10% is dropped before inserting.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Leon4s4/kafka-http-source-connector/core"
	"github.com/Leon4s4/kafka-http-source-connector/httpclient"
)

// maxCacheableBody is the storage eligibility ceiling
const maxCacheableBody = 1 << 20

// cacheRelevantHeaders participate in the fingerprint; everything else
// (auth, tracing) is deliberately excluded
var cacheRelevantHeaders = []string{"Accept", "Accept-Encoding", "Content-Type"}

type entry struct {
	result   *httpclient.FetchResult
	cachedAt time.Time
	ttl      time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.cachedAt) >= e.ttl
}

// ResponseCache is safe for concurrent use. A nil *ResponseCache is a
// valid always-miss cache, which is how the disabled configuration is
// represented.
type ResponseCache struct {
	entries    *lru.Cache
	capacity   int
	defaultTTL time.Duration
	sweepEvery time.Duration
	logger     core.Logger
}

// New builds a cache from configuration. Returns nil (always-miss) when
// caching is disabled.
func New(cfg core.CacheConfig, logger core.Logger) (*ResponseCache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/cache")
	}

	entries, err := lru.New(cfg.MaxSize)
	if err != nil {
		return nil, core.NewConnectorError("cache.new", "cache", 0, err)
	}
	return &ResponseCache{
		entries:    entries,
		capacity:   cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		sweepEvery: cfg.SweepEvery,
		logger:     logger,
	}, nil
}

// Start launches the TTL sweeper; it stops when ctx is cancelled
func (c *ResponseCache) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// sweep removes expired entries
func (c *ResponseCache) sweep() {
	now := time.Now()
	removed := 0
	for _, key := range c.entries.Keys() {
		if v, ok := c.entries.Peek(key); ok {
			if v.(*entry).expired(now) {
				c.entries.Remove(key)
				removed++
			}
		}
	}
	if removed > 0 {
		c.logger.Debug("Cache sweep removed expired entries", map[string]interface{}{
			"operation": "cache_sweep",
			"removed":   removed,
			"remaining": c.entries.Len(),
		})
	}
}

// Get returns the cached response for a fingerprint, refreshing its
// recency. Expired entries are removed and reported as misses.
func (c *ResponseCache) Get(fingerprint string) (*httpclient.FetchResult, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.entries.Get(fingerprint)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if e.expired(time.Now()) {
		c.entries.Remove(fingerprint)
		return nil, false
	}
	return e.result, true
}

// Store inserts a response if it is eligible. Ineligible responses are
// silently skipped; the caller never needs to know.
func (c *ResponseCache) Store(fingerprint string, result *httpclient.FetchResult) {
	if c == nil || result == nil {
		return
	}
	if result.Status >= 400 || len(result.Body) > maxCacheableBody {
		return
	}

	directives := strings.ToLower(result.Headers.Get("Cache-Control"))
	if hasDirective(directives, "no-store") || hasDirective(directives, "no-cache") || hasDirective(directives, "private") {
		return
	}

	ttl := c.defaultTTL
	if maxAge, ok := parseMaxAge(directives); ok {
		ttl = maxAge
	}
	if ttl <= 0 {
		return
	}

	// Pressure eviction: at 90% occupancy drop the oldest 10% so
	// inserts never thrash one slot at a time
	if c.entries.Len() >= c.capacity*9/10 {
		drop := c.capacity / 10
		if drop < 1 {
			drop = 1
		}
		for i := 0; i < drop; i++ {
			if _, _, ok := c.entries.RemoveOldest(); !ok {
				break
			}
		}
		c.logger.Debug("Cache pressure eviction", map[string]interface{}{
			"operation": "cache_evict",
			"dropped":   drop,
			"occupancy": c.entries.Len(),
			"capacity":  c.capacity,
		})
	}

	c.entries.Add(fingerprint, &entry{
		result:   result,
		cachedAt: time.Now(),
		ttl:      ttl,
	})
}

// Len returns current occupancy
func (c *ResponseCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

func hasDirective(directives, name string) bool {
	for _, d := range strings.Split(directives, ",") {
		d = strings.TrimSpace(d)
		if d == name || strings.HasPrefix(d, name+"=") {
			return true
		}
	}
	return false
}

func parseMaxAge(directives string) (time.Duration, bool) {
	for _, d := range strings.Split(directives, ",") {
		d = strings.TrimSpace(d)
		if rest, ok := strings.CutPrefix(d, "max-age="); ok {
			secs, err := strconv.ParseInt(rest, 10, 64)
			if err != nil || secs < 0 {
				return 0, false
			}
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// Fingerprint derives the deterministic cache key for a request:
// method, URL with sorted query parameters, and the fixed set of
// cache-relevant headers.
func Fingerprint(method, rawURL string, headers map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')

	if u, err := url.Parse(rawURL); err == nil {
		q := u.Query()
		u.RawQuery = ""
		b.WriteString(u.String())
		b.WriteByte('\n')

		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			values := q[k]
			sort.Strings(values)
			for _, v := range values {
				b.WriteString(k)
				b.WriteByte('=')
				b.WriteString(v)
				b.WriteByte('&')
			}
		}
	} else {
		b.WriteString(rawURL)
	}
	b.WriteByte('\n')

	for _, name := range cacheRelevantHeaders {
		if v, ok := headerLookup(headers, name); ok {
			b.WriteString(name)
			b.WriteByte(':')
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func headerLookup(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == name {
			return v, true
		}
	}
	return "", false
}
