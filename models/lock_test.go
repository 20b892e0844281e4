package models

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireLockIsExclusive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := AcquireLock(ctx, db, "pass", 5*time.Minute, now)
	if err != nil || id == "" {
		t.Fatalf("first acquire: id=%q err=%v", id, err)
	}
	if _, err := AcquireLock(ctx, db, "pass", 5*time.Minute, now.Add(time.Minute)); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire err = %v, want ErrLockHeld", err)
	}
	// 不同 job 互不影响
	if _, err := AcquireLock(ctx, db, "other", 5*time.Minute, now); err != nil {
		t.Fatalf("other job: %v", err)
	}
}

func TestAcquireLockTakesOverExpired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := AcquireLock(ctx, db, "pass", 5*time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := AcquireLock(ctx, db, "pass", 5*time.Minute, now.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if second == first {
		t.Fatal("takeover must issue a new lock id")
	}

	// 原持有者释放时不能删掉新锁
	if err := ReleaseLock(ctx, db, first); err != nil {
		t.Fatal(err)
	}
	l, err := GetLock(ctx, db, "pass")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if l.LockID != second {
		t.Fatalf("lock id = %s, want %s", l.LockID, second)
	}
}

func TestReleaseLockAllowsReacquire(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := AcquireLock(ctx, db, "pass", time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := ReleaseLock(ctx, db, id); err != nil {
		t.Fatal(err)
	}
	if _, err := GetLock(ctx, db, "pass"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after release err = %v, want ErrNotFound", err)
	}
	if _, err := AcquireLock(ctx, db, "pass", time.Hour, now); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}

func TestAcquireLockConcurrentSingleWinner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		held int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := AcquireLock(ctx, db, "pass", time.Minute, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrLockHeld):
				held++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || held != n-1 {
		t.Fatalf("wins=%d held=%d, want 1 and %d", wins, held, n-1)
	}
}
