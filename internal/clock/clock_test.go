package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeSleepAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	woke := make(chan struct{})
	go func() {
		if err := fc.Sleep(context.Background(), 5*time.Second); err != nil {
			t.Errorf("Sleep returned error: %v", err)
		}
		close(woke)
	}()

	// Wait until the sleeper has registered its deadline, so it is
	// measured from start rather than from a later Advance.
	for {
		fc.mu.Lock()
		registered := len(fc.waiters) == 1
		fc.mu.Unlock()
		if registered {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// Advancing short of the target should not wake the sleeper.
	fc.Advance(2 * time.Second)
	select {
	case <-woke:
		t.Fatal("Sleep woke before target reached")
	case <-time.After(20 * time.Millisecond):
	}

	fc.Advance(3 * time.Second)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not wake after target reached")
	}

	if got := fc.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(5*time.Second))
	}
}

func TestFakeSleepContextCancel(t *testing.T) {
	fc := NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := fc.Sleep(ctx, time.Second); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestFakeSleepZeroDuration(t *testing.T) {
	fc := NewFake(time.Now())
	if err := fc.Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) = %v, want nil", err)
	}
}

func TestRealSleep(t *testing.T) {
	r := Real{}
	before := r.Now()
	if err := r.Sleep(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Sleep returned error: %v", err)
	}
	if r.Now().Sub(before) < 10*time.Millisecond {
		t.Error("Sleep returned too early")
	}
}
