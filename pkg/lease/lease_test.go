package lease

import (
	"context"
	"testing"
	"time"
)

func TestMemory_AcquireRelease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "retrain:parts_demand", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v, want true, nil", ok, err)
	}

	ok, err = m.Acquire(ctx, "retrain:parts_demand", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if ok {
		t.Error("held lease was acquired again")
	}

	// A different key is independent.
	if ok, _ := m.Acquire(ctx, "retrain:revenue_forecast", time.Minute); !ok {
		t.Error("unrelated key blocked by a held lease")
	}

	if err := m.Release(ctx, "retrain:parts_demand"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := m.Acquire(ctx, "retrain:parts_demand", time.Minute); !ok {
		t.Error("released lease not acquirable")
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "k", 10*time.Second); !ok {
		t.Fatal("initial Acquire() failed")
	}

	now = now.Add(9 * time.Second)
	if ok, _ := m.Acquire(ctx, "k", 10*time.Second); ok {
		t.Error("lease acquired before the TTL expired")
	}

	now = now.Add(2 * time.Second)
	if ok, _ := m.Acquire(ctx, "k", 10*time.Second); !ok {
		t.Error("expired lease not acquirable")
	}
}

func TestMemory_ReleaseUnheld(t *testing.T) {
	m := NewMemory()
	if err := m.Release(context.Background(), "never-held"); err != nil {
		t.Errorf("Release() of unheld key error = %v", err)
	}
}
