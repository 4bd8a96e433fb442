package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/playtest/cache"
	"github.com/kasuganosora/playtest/playlog"
)

// RedisAddrEnv names the variable that points tests at a Redis server.
const RedisAddrEnv = "PLAYTEST_REDIS_ADDR"

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
// The cache is closed when the test ends.
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	return setupCache(t, cache.CacheConfig{})
}

// SetupRedisCache connects to the Redis named by PLAYTEST_REDIS_ADDR and
// skips the test when it is unset.
func SetupRedisCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	addr := os.Getenv(RedisAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", RedisAddrEnv)
	}
	return setupCache(t, cache.CacheConfig{RedisAddr: addr})
}

func setupCache(t *testing.T, cfg cache.CacheConfig) (cache.Cache, cache.PubSub) {
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "setupCache: NewCache")
	t.Cleanup(func() { _ = c.Close() })
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "setupCache: NewPubSub")
	return c, ps
}

// NewTestLog returns the log of play id on a fresh local cache.
func NewTestLog(t *testing.T, id string) *playlog.Log {
	t.Helper()
	c, ps := SetupTestCache(t)
	return playlog.New(id, c, ps, nil)
}
