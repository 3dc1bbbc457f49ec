package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStore_Increment(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i, want := range []int64{2, 1, 0} {
		d, err := store.Increment(ctx, "login:ip:1.2.3.4", time.Minute, 3, epoch.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if !d.Allowed || d.Remaining != want {
			t.Errorf("请求 %d: Allowed=%v Remaining=%d, want true/%d", i+1, d.Allowed, d.Remaining, want)
		}
		if d.Source != "local" {
			t.Errorf("Source = %s, want local", d.Source)
		}
	}

	d, err := store.Increment(ctx, "login:ip:1.2.3.4", time.Minute, 3, epoch.Add(3*time.Second))
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if d.Allowed {
		t.Error("第4个请求应该被拒绝")
	}
	if d.RetryAfter != 57 {
		t.Errorf("RetryAfter = %d, want 57", d.RetryAfter)
	}
}

func TestStore_SeparateKeys(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if d, _ := store.Increment(ctx, "a", time.Minute, 1, epoch); !d.Allowed {
		t.Error("key a 第一个请求应该被允许")
	}
	if d, _ := store.Increment(ctx, "b", time.Minute, 1, epoch); !d.Allowed {
		t.Error("key b 第一个请求应该被允许")
	}
	if d, _ := store.Increment(ctx, "a", time.Minute, 1, epoch); d.Allowed {
		t.Error("key a 第二个请求应该被拒绝")
	}
}

func TestStore_InvalidLimit(t *testing.T) {
	store := NewStore()
	if _, err := store.Increment(context.Background(), "k", time.Minute, 0, epoch); err == nil {
		t.Error("limit=0 应该返回错误")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}

func TestStore_Cleanup(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	store.Increment(ctx, "short", time.Second, 5, epoch)
	store.Increment(ctx, "long", time.Hour, 5, epoch)

	if removed := store.Cleanup(epoch.Add(500 * time.Millisecond)); removed != 0 {
		t.Errorf("Cleanup() = %d, want 0", removed)
	}
	if removed := store.Cleanup(epoch.Add(2 * time.Second)); removed != 1 {
		t.Errorf("Cleanup() = %d, want 1", removed)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestStore_PrunesOnIncrement(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.Increment(ctx, "k", time.Second, 3, epoch.Add(time.Duration(i)*time.Millisecond))
	}

	d, _ := store.Increment(ctx, "k", time.Second, 3, epoch.Add(5*time.Second))
	if !d.Allowed || d.Remaining != 2 {
		t.Errorf("Allowed=%v Remaining=%d, want true/2", d.Allowed, d.Remaining)
	}
	if got := len(store.windows["k"].entries); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}

func TestStore_ConcurrentIncrement(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	limit := int64(50)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := store.Increment(ctx, "hot", time.Minute, limit, epoch)
			if err != nil {
				t.Errorf("Increment() error = %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != limit {
		t.Errorf("allowed = %d, want %d", allowed.Load(), limit)
	}
}

func TestStore_StartJanitor(t *testing.T) {
	store := NewStore()
	store.Increment(context.Background(), "k", time.Millisecond, 1, time.Now().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.StartJanitor(ctx, 5*time.Millisecond, nil)

	deadline := time.Now().Add(time.Second)
	for store.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor 未清理过期key")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
