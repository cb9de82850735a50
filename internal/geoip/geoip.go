// Package geoip resolves device source addresses to coarse locations.
//
// Resolution is delegated to an external HTTP geo service and is always
// best-effort: a failed lookup never fails the operation that wanted it.
// Results are cached in Redis since device addresses change rarely and the
// reconciler asks on every heartbeat.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// Resolver maps an IP address to a location.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*types.Location, error)
}

// HTTPResolver queries an external geo service:
//
//	GET {baseURL}/lookup?ip=203.0.113.9
//	-> {"country": "DE", "region": "BY", "city": "Munich"}
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver creates a resolver against the given geo service base URL.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Resolve looks up the location for an IP. Private and unparseable
// addresses resolve to nil without contacting the service.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (*types.Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsPrivate() || parsed.IsLoopback() {
		return nil, nil
	}

	u := fmt.Sprintf("%s/lookup?ip=%s", r.baseURL, url.QueryEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup: unexpected status %d", resp.StatusCode)
	}

	var loc types.Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, fmt.Errorf("geo lookup: decoding response: %w", err)
	}
	if loc.Country == "" {
		return nil, nil
	}
	return &loc, nil
}

const (
	cacheKeyPrefix = "meshcp:geoip:"
	cacheTTL       = 24 * time.Hour
	// negative entries keep us from hammering the service for addresses it
	// cannot resolve
	negativeCacheTTL = 1 * time.Hour
)

// CachedResolver wraps a Resolver with a Redis-backed result cache.
type CachedResolver struct {
	next   Resolver
	client *redis.Client
	logger *slog.Logger
}

// NewCachedResolver creates a caching resolver. redisURL is a standard
// redis:// URL; connection failure is returned so the caller can decide to
// run uncached.
func NewCachedResolver(next Resolver, redisURL string, logger *slog.Logger) (*CachedResolver, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &CachedResolver{
		next:   next,
		client: client,
		logger: logger.With("component", "geoip_cache"),
	}, nil
}

// cached sentinel for addresses that resolved to nothing
const negativeEntry = "{}"

// Resolve returns a cached location when available, otherwise consults the
// wrapped resolver and caches the outcome. Cache errors degrade to a direct
// lookup.
func (c *CachedResolver) Resolve(ctx context.Context, ip string) (*types.Location, error) {
	key := cacheKeyPrefix + ip

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
		// miss, fall through
	case err != nil:
		c.logger.Debug("cache read failed", "ip", ip, "error", err)
	case string(data) == negativeEntry:
		return nil, nil
	default:
		var loc types.Location
		if json.Unmarshal(data, &loc) == nil {
			return &loc, nil
		}
	}

	loc, err := c.next.Resolve(ctx, ip)
	if err != nil {
		return nil, err
	}

	if loc == nil {
		if err := c.client.Set(ctx, key, negativeEntry, negativeCacheTTL).Err(); err != nil {
			c.logger.Debug("cache write failed", "ip", ip, "error", err)
		}
		return nil, nil
	}

	if encoded, err := json.Marshal(loc); err == nil {
		if err := c.client.Set(ctx, key, encoded, cacheTTL).Err(); err != nil {
			c.logger.Debug("cache write failed", "ip", ip, "error", err)
		}
	}
	return loc, nil
}

// Close releases the Redis connection.
func (c *CachedResolver) Close() error {
	return c.client.Close()
}
