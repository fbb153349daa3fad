package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestNoopReportCacheAlwaysMisses(t *testing.T) {
	var c ReportCache = NoopReportCache{}
	ctx := context.Background()

	if err := c.Set(ctx, "dashboard", map[string]int{"orders": 3}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var out map[string]int
	hit, err := c.Get(ctx, "dashboard", &out)
	if err != nil || hit {
		t.Fatalf("expected miss, got hit=%v err=%v", hit, err)
	}
}

func TestRedisReportCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("BREWLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set BREWLINE_TEST_REDIS_ADDR to run redis integration test")
	}

	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisReportCache(client, "brewline:test:")
	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	type snapshot struct {
		Orders int `json:"orders"`
	}
	if err := c.Set(ctx, "dashboard", snapshot{Orders: 7}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got snapshot
	hit, err := c.Get(ctx, "dashboard", &got)
	if err != nil || !hit || got.Orders != 7 {
		t.Fatalf("expected hit with 7 orders, got hit=%v err=%v value=%+v", hit, err, got)
	}
	if err := c.Delete(ctx, "dashboard"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	hit, err = c.Get(ctx, "dashboard", &got)
	if err != nil || hit {
		t.Fatalf("expected miss after delete, got hit=%v err=%v", hit, err)
	}
}
