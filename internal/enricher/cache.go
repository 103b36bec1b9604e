package enricher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache keeps hostname -> resolved-IPs entries so repeated FQDNs
// within a burst skip DNS. Failures degrade to cache misses.
type RedisCache struct {
	RDB *redis.Client
	TTL time.Duration
	Log zerolog.Logger
}

const cacheKeyPrefix = "n6:dns:"

func (c *RedisCache) Get(ctx context.Context, host string) ([]string, bool) {
	raw, err := c.RDB.Get(ctx, cacheKeyPrefix+host).Result()
	if err != nil {
		if err != redis.Nil {
			c.Log.Debug().Err(err).Str("fqdn", host).Msg("dns cache get failed")
		}
		return nil, false
	}
	var ips []string
	if err := json.Unmarshal([]byte(raw), &ips); err != nil {
		return nil, false
	}
	return ips, true
}

func (c *RedisCache) Set(ctx context.Context, host string, ips []string) {
	raw, err := json.Marshal(ips)
	if err != nil {
		return
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if err := c.RDB.Set(ctx, cacheKeyPrefix+host, raw, ttl).Err(); err != nil {
		c.Log.Debug().Err(err).Str("fqdn", host).Msg("dns cache set failed")
	}
}
