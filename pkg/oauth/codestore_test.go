package oauth

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCodeStoreTakeIsSingleUse(t *testing.T) {
	store := NewCodeStore()
	store.Save(&AuthorizationCode{Code: "abc", ExpiresAt: time.Now().Add(time.Minute)})

	code, err := store.Take("abc")
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if code.Code != "abc" {
		t.Errorf("Code = %q", code.Code)
	}
	if _, err := store.Take("abc"); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("second Take() error = %v, want ErrCodeNotFound", err)
	}
}

func TestCodeStoreConcurrentTake(t *testing.T) {
	store := NewCodeStore()
	store.Save(&AuthorizationCode{Code: "abc", ExpiresAt: time.Now().Add(time.Minute)})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Take("abc"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("code redeemed %d times, want 1", wins.Load())
	}
}

func TestCodeStoreCleanup(t *testing.T) {
	store := NewCodeStore()
	store.Save(&AuthorizationCode{Code: "old", ExpiresAt: time.Now().Add(-time.Minute)})
	store.Save(&AuthorizationCode{Code: "new", ExpiresAt: time.Now().Add(time.Minute)})

	if removed := store.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() = %d, want 1", removed)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
	if _, err := store.Take("new"); err != nil {
		t.Errorf("live code removed: %v", err)
	}
}
