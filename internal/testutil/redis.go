// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// GetTestRedisOptions returns options for an external test Redis.
// REDIS_TEST_ADDR overrides the address; database 1 keeps tests off the default DB.
func GetTestRedisOptions() *redis.Options {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return &redis.Options{
		Addr: addr,
		DB:   1,
	}
}

// GetTestRedisClient returns a client for GetTestRedisOptions. It does not connect.
func GetTestRedisClient() *redis.Client {
	return redis.NewClient(GetTestRedisOptions())
}

// NewMiniRedis starts an in-process Redis and a client bound to it.
// Both are closed when the test ends.
func NewMiniRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

// WriteFile writes content to dir/name and fails the test on error.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
