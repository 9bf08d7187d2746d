package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryLocker_TryLock(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "job-1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock(ctx, "job-1"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if other, err := l.TryLock(ctx, "job-2"); err != nil {
		t.Fatalf("expected independent key to lock, got %v", err)
	} else {
		other()
	}

	unlock()
	unlock()

	again, err := l.TryLock(ctx, "job-1")
	if err != nil {
		t.Fatalf("expected lock to be free after unlock, got %v", err)
	}
	again()
}

func TestMemoryLocker_LockWaits(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, _ := l.TryLock(ctx, "job-1")

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "job-1")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Lock returned while key was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock did not return after release")
	}
}

func TestMemoryLocker_LockHonorsContext(t *testing.T) {
	l := NewMemoryLocker()
	unlock, _ := l.TryLock(context.Background(), "job-1")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := l.Lock(ctx, "job-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "job-1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	l := NewRedisLocker(client, 5*time.Second)
	key := "test-" + time.Now().Format(time.RFC3339Nano)

	unlock, err := l.TryLock(context.Background(), key)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock(context.Background(), key); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	unlock()

	unlock2, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock2()
		}()
	}
	wg.Wait()

	unlock3, err := l.TryLock(context.Background(), key)
	if err != nil {
		t.Fatalf("TryLock after concurrent release: %v", err)
	}
	defer unlock3()

	// a stale holder must not free the new holder's lock
	unlock()
	unlock2()
	if _, err := l.TryLock(context.Background(), key); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected lock to survive stale unlock, got %v", err)
	}
}

func TestRedisLocker_UnlockConcurrentCalls(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	unlock := NewRedisLocker(client, time.Second).unlocker("job-1", "token")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock()
		}()
	}
	wg.Wait()
}
