package httpapi

import (
	"testing"
	"time"
)

func TestWindowLimiterAdmitsWithinWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter := NewWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatalf("expected first two calls admitted")
	}
	if limiter.Allow() {
		t.Fatalf("expected third call inside the window rejected")
	}
	now = now.Add(61 * time.Second)
	if !limiter.Allow() {
		t.Fatalf("expected call admitted once the window slid")
	}
}

func TestWindowLimiterDisabled(t *testing.T) {
	var nilLimiter *WindowLimiter
	if !nilLimiter.Allow() {
		t.Fatalf("nil limiter must admit")
	}
	limiter := NewWindowLimiter(0, 0, nil)
	for i := 0; i < 10; i++ {
		if !limiter.Allow() {
			t.Fatalf("disabled limiter rejected call %d", i)
		}
	}
}
