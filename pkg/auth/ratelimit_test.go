package auth

import (
	"testing"
	"time"
)

func TestFailureLimiter_Refills(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewFailureLimiter(1, 10*time.Second)
	l.now = func() time.Time { return now }

	l.RecordFailure("10.0.0.1:1")
	if l.Allow("10.0.0.1:2") {
		t.Fatal("bucket should be empty, and ports share one bucket")
	}

	now = now.Add(10 * time.Second)
	if !l.Allow("10.0.0.1:3") {
		t.Error("bucket should have refilled")
	}
}

func TestFailureLimiter_Disabled(t *testing.T) {
	l := NewFailureLimiter(0, time.Minute)
	if l != nil {
		t.Fatal("zero burst should disable the limiter")
	}
	l.RecordFailure("x")
	if !l.Allow("x") {
		t.Error("nil limiter must allow everything")
	}
}

func TestFailureLimiter_PrunesIdleClients(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewFailureLimiter(1, time.Second)
	l.now = func() time.Time { return now }
	l.maxClients = 2

	l.RecordFailure("10.0.0.1:1")
	l.RecordFailure("10.0.0.2:1")
	now = now.Add(time.Minute)
	l.RecordFailure("10.0.0.3:1")

	l.mu.Lock()
	n := len(l.limiters)
	l.mu.Unlock()
	if n != 1 {
		t.Errorf("tracked clients = %d, want 1", n)
	}
}
