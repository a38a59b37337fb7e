//go:build integration

package redisstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/core/store"
	"github.com/atelierhq/atelier/internal/core/store/redisstore"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *redisstore.Store {
	t.Helper()
	prefix := "test:" + t.Name() + ":"
	s := redisstore.New(client, redisstore.WithKeyPrefix(prefix), redisstore.WithMaxRetries(500))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestConcurrentIncrements(t *testing.T) {
	client := newTestClient(t)
	s := newTestStore(t, client)
	ctx := context.Background()

	const workers = 30
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.UpdateRateWindow(ctx, "1.2.3.4", func(current *core.RateWindow) (*core.RateWindow, error) {
				if current == nil {
					return &core.RateWindow{WindowStart: time.Now().UnixMilli(), Count: 1}, nil
				}
				current.Count++
				return current, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	window, err := s.GetRateWindow(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, window)
	assert.Equal(t, workers, window.Count)

	ttl, err := client.TTL(ctx, "test:"+t.Name()+":rate:1.2.3.4").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestQuotaRecordsAdmin(t *testing.T) {
	client := newTestClient(t)
	s := newTestStore(t, client)
	ctx := context.Background()

	for _, key := range []string{"10.0.0.1", "10.0.0.2"} {
		require.NoError(t, s.UpdateQuotaRecord(ctx, key, func(*core.QuotaRecord) (*core.QuotaRecord, error) {
			record := &core.QuotaRecord{}
			record.SetUsage("render", &core.CapabilityUsage{Count: 1, Limit: 2, WindowStart: time.Now().UnixMilli()})
			record.SetUsage("quote", &core.CapabilityUsage{Count: 1, Limit: 2, WindowStart: time.Now().UnixMilli()})
			return record, nil
		}))
	}

	entries, err := s.ListQuotaRecords(ctx, store.CounterQuery{Prefix: "10."})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	reset, err := s.ResetQuotaRecords(ctx, store.CounterQuery{Key: "10.0.0.1"}, "render")
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	deleted, err := s.ResetQuotaRecords(ctx, store.CounterQuery{All: true}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}
