// Package testutil provides testing utilities for loginguard packages
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openidx/loginguard/internal/common/database"
)

// MockRedis is a miniredis server plus a client connected to it. Both are
// closed when the test finishes.
type MockRedis struct {
	Mini   *miniredis.Miniredis
	Client *database.RedisClient
}

// NewMockRedis starts miniredis for the duration of t
func NewMockRedis(t testing.TB) *MockRedis {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &MockRedis{
		Mini:   mini,
		Client: &database.RedisClient{Client: client},
	}
}

// FastForward advances miniredis time so TTL expiry can be asserted
func (m *MockRedis) FastForward(d time.Duration) {
	m.Mini.FastForward(d)
}

// TTL returns the remaining time to live of key as seen by miniredis
func (m *MockRedis) TTL(key string) time.Duration {
	return m.Mini.TTL(key)
}

// Keys returns all keys matching a glob pattern
func (m *MockRedis) Keys(t testing.TB, pattern string) []string {
	t.Helper()

	keys, err := m.Client.Client.Keys(context.Background(), pattern).Result()
	if err != nil {
		t.Fatalf("keys %q: %v", pattern, err)
	}
	return keys
}

// Break stops answering commands until the returned func is called
func (m *MockRedis) Break() (restore func()) {
	m.Mini.SetError("ERR simulated outage")
	return func() { m.Mini.SetError("") }
}
