//go:build integration

// Package integration exercises the Redis-backed cache and lease against a
// real Redis server in a container. Run with:
//
//	go test -tags integration ./test/integration/
package integration

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/motorbay/retrainer/pkg/cache"
	"github.com/motorbay/retrainer/pkg/extract"
	"github.com/motorbay/retrainer/pkg/lease"
	"github.com/motorbay/retrainer/pkg/mlmodel"
	"github.com/motorbay/retrainer/pkg/serving"
	"github.com/motorbay/retrainer/pkg/storage"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	cs, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}
	return strings.TrimPrefix(cs, "redis://")
}

func TestRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	addr := startRedis(t)
	ctx := context.Background()

	c, err := cache.NewRedis(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Set(ctx, "k", []byte("v"), 10*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Errorf("Get() = %q, %v, %v, want v, true, nil", got, ok, err)
	}

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Error("Get() reported a hit for a missing key")
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("key survived Delete()")
	}

	for want := int64(1); want <= 3; want++ {
		n, err := c.Increment(ctx, "hits", time.Minute)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if n != want {
			t.Errorf("Increment() = %d, want %d", n, want)
		}
	}

	// A short TTL actually expires server-side.
	if err := c.Set(ctx, "brief", []byte("x"), time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(1500 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "brief"); ok {
		t.Error("entry survived past its TTL")
	}
}

func TestRedisUsageCounters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	addr := startRedis(t)
	ctx := context.Background()

	c, err := cache.NewRedis(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	u := serving.NewUsage(c)
	for i := 0; i < 5; i++ {
		if err := u.Record(ctx, "parts_demand"); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := u.Volume(ctx, "parts_demand")
	if err != nil {
		t.Fatalf("Volume() error = %v", err)
	}
	if got != 5 {
		t.Errorf("Volume() = %d, want 5", got)
	}
}

func TestRedisLease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	addr := startRedis(t)
	ctx := context.Background()

	// Two lease instances model two scheduler processes sharing one Redis.
	a, err := lease.NewRedisFromAddr(addr, "", 0)
	if err != nil {
		t.Fatalf("NewRedisFromAddr() error = %v", err)
	}
	b, err := lease.NewRedisFromAddr(addr, "", 0)
	if err != nil {
		t.Fatalf("NewRedisFromAddr() error = %v", err)
	}

	ok, err := a.Acquire(ctx, "retrain:parts_demand", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v, want true, nil", ok, err)
	}

	ok, err = b.Acquire(ctx, "retrain:parts_demand", time.Minute)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if ok {
		t.Error("second instance acquired a held lease")
	}

	// A non-owner release must not free the lease.
	if err := b.Release(ctx, "retrain:parts_demand"); err != nil {
		t.Fatalf("non-owner Release() error = %v", err)
	}
	if ok, _ := b.Acquire(ctx, "retrain:parts_demand", time.Minute); ok {
		t.Error("lease freed by a non-owner release")
	}

	if err := a.Release(ctx, "retrain:parts_demand"); err != nil {
		t.Fatalf("owner Release() error = %v", err)
	}
	if ok, _ := b.Acquire(ctx, "retrain:parts_demand", time.Minute); !ok {
		t.Error("lease not acquirable after the owner released it")
	}
}

func TestServingWithRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	addr := startRedis(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	c, err := cache.NewRedis(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	store, err := storage.NewFSStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}

	ds := &extract.Dataset{Target: "y"}
	for i := 0; i < 40; i++ {
		x := float64(i % 8)
		ds.Rows = append(ds.Rows, extract.Row{"x": x, "y": 4*x + 2})
	}
	m := mlmodel.NewRidgeModel([]string{"x"}, mlmodel.RegressionParams{})
	if err := m.Train(ctx, ds); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if _, err := store.SaveModel(ctx, m, storage.SaveOptions{ModelType: "parts_demand", CreatedBy: "test"}); err != nil {
		t.Fatalf("SaveModel() error = %v", err)
	}

	svc, err := serving.New(serving.Options{
		Store:     store,
		Cache:     c,
		Extractor: extract.NewStaticExtractor(),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("serving.New() error = %v", err)
	}

	params := map[string]float64{"x": 3}
	first, err := svc.Predict(ctx, serving.KindPartsDemand, params)
	if err != nil {
		t.Fatalf("first Predict() error = %v", err)
	}
	if first.Cached || first.Fallback {
		t.Errorf("first prediction = %+v, want fresh model-backed result", first)
	}

	second, err := svc.Predict(ctx, serving.KindPartsDemand, params)
	if err != nil {
		t.Fatalf("second Predict() error = %v", err)
	}
	if !second.Cached {
		t.Error("second identical request should be served from the Redis cache")
	}
	if second.Value != first.Value {
		t.Errorf("cached Value = %v, want %v", second.Value, first.Value)
	}
}
