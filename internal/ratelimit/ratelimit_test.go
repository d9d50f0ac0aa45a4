package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestAllowWithinWindow(t *testing.T) {
	l := New(5, time.Minute)

	for i := 0; i < 5; i++ {
		if !l.Allow("github:push") {
			t.Fatalf("call %d should be admitted", i+1)
		}
	}
	if l.Allow("github:push") {
		t.Error("sixth call within window should be denied")
	}
}

func TestWindowReset(t *testing.T) {
	l := New(5, 60*time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if !l.Allow("key") {
			t.Fatalf("call %d should be admitted", i+1)
		}
	}
	if l.Allow("key") {
		t.Error("exhausted bucket should deny")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow("key") {
		t.Error("call after window elapsed should be admitted")
	}
	if got := l.Remaining("key"); got != 4 {
		t.Errorf("Remaining = %d, want 4 after reset and one admission", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)

	if !l.Allow("a") {
		t.Fatal("first call on a should be admitted")
	}
	if l.Allow("a") {
		t.Error("second call on a should be denied")
	}
	if !l.Allow("b") {
		t.Error("first call on b should be admitted regardless of a")
	}
}

func TestSetLimitOverride(t *testing.T) {
	l := New(100, time.Minute)
	l.SetLimit("strict", 2, time.Minute)

	if !l.Allow("strict") || !l.Allow("strict") {
		t.Fatal("first two calls should be admitted")
	}
	if l.Allow("strict") {
		t.Error("third call should be denied under override limit")
	}
}

func TestNextWindow(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if zero := l.NextWindow("missing"); !zero.IsZero() {
		t.Errorf("NextWindow for unknown key = %v, want zero", zero)
	}

	l.Allow("key")
	want := now.Add(time.Minute)
	if got := l.NextWindow("key"); !got.Equal(want) {
		t.Errorf("NextWindow = %v, want %v", got, want)
	}
}

func TestConcurrentAllowNeverOverAdmits(t *testing.T) {
	const limit = 50
	l := New(limit, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("admitted %d requests, want exactly %d", admitted, limit)
	}
}
