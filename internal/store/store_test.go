package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore() *Store {
	return New(3, nil)
}

// withClock pins the store's clock to a controllable time for deterministic
// TTL assertions.
func withClock(s *Store, t *time.Time) {
	s.now = func() time.Time { return *t }
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore()
	now := time.Unix(1_700_000_000, 0)
	withClock(s, &now)

	if err := s.Put("t1", []byte("hello"), 2); err != nil {
		t.Fatalf("Put: %v", err)
	}

	now = now.Add(1 * time.Second)
	e, ok := s.Get("t1")
	if !ok {
		t.Fatalf("expected entry to be present at t+1s")
	}
	if string(e.Ciphertext) != "hello" {
		t.Errorf("ciphertext = %q, want %q", e.Ciphertext, "hello")
	}
	if ttl, ok := s.TTLRemaining("t1"); !ok || ttl != 1 {
		t.Errorf("ttl_remaining = %d (ok=%v), want 1", ttl, ok)
	}

	now = now.Add(2 * time.Second) // now at t+3s, expire_at was t+2s
	if _, ok := s.Get("t1"); ok {
		t.Errorf("expected entry to be absent after expiry")
	}
}

func TestPutRejectsNonPositiveTTL(t *testing.T) {
	s := newTestStore()
	if err := s.Put("t1", []byte("x"), 0); err == nil {
		t.Errorf("expected error for ttl=0")
	}
	if err := s.Put("t1", []byte("x"), -5); err == nil {
		t.Errorf("expected error for negative ttl")
	}
}

func TestPutOverwritesPriorEntry(t *testing.T) {
	s := newTestStore()
	now := time.Unix(1_700_000_000, 0)
	withClock(s, &now)

	_ = s.Put("t1", []byte("first"), 10)
	_ = s.Put("t1", []byte("second"), 10)

	e, ok := s.Get("t1")
	if !ok || string(e.Ciphertext) != "second" {
		t.Fatalf("expected overwritten value 'second', got %q (ok=%v)", e.Ciphertext, ok)
	}

	if n := s.ForceSecureCleanup(); n != 1 {
		t.Errorf("expected 1 remaining live entry to be force-cleaned, got %d", n)
	}
}

func TestMarkReadAndDelete(t *testing.T) {
	s := newTestStore()
	_ = s.Put("t1", []byte("x"), 10)

	if !s.MarkReadAndDelete("t1") {
		t.Fatalf("expected MarkReadAndDelete to report existing entry")
	}
	if _, ok := s.Get("t1"); ok {
		t.Errorf("expected entry to be absent after mark_read_and_delete")
	}
	if s.MarkReadAndDelete("t1") {
		t.Errorf("expected second MarkReadAndDelete to report false")
	}
}

func TestTTLRemainingAbsentForUnknownToken(t *testing.T) {
	s := newTestStore()
	if _, ok := s.TTLRemaining("nope"); ok {
		t.Errorf("expected absent for unknown token")
	}
}

func TestForceSecureCleanupDrainsEverything(t *testing.T) {
	s := newTestStore()
	_ = s.Put("t1", []byte("a"), 10)
	_ = s.Put("t2", []byte("b"), 10)
	_ = s.Put("t3", []byte("c"), 10)

	if n := s.ForceSecureCleanup(); n != 3 {
		t.Errorf("expected 3 deleted, got %d", n)
	}
	status := s.ForensicStatus()
	if status.EntryCount != 0 || status.DeletionQueueSize != 0 {
		t.Errorf("expected empty store after cleanup, got %+v", status)
	}
}

func TestForensicStatusReportsPassCount(t *testing.T) {
	s := New(5, nil)
	status := s.ForensicStatus()
	if status.PassCount != 5 {
		t.Errorf("pass_count = %d, want 5", status.PassCount)
	}
	if !status.ProtectionsEnabled {
		t.Errorf("expected protections_enabled = true")
	}
}

func TestSweeperDrainsOnShutdown(t *testing.T) {
	s := newTestStore()
	now := time.Unix(1_700_000_000, 0)
	withClock(s, &now)
	_ = s.Put("t1", []byte("x"), 1)

	now = now.Add(2 * time.Second)
	// Force the entry into the deletion queue the way Get would.
	s.sweepExpired()

	ctx, cancel := context.WithCancel(context.Background())
	sweeper := NewSweeper(s, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not shut down promptly")
	}

	status := s.ForensicStatus()
	if status.DeletionQueueSize != 0 {
		t.Errorf("expected deletion queue drained on shutdown, got %d", status.DeletionQueueSize)
	}
}

func TestSecureWipeFinalPassIsNotAllZeroOrAllOnes(t *testing.T) {
	buf := make([]byte, 256)
	for i := range buf {
		buf[i] = 0x42
	}
	secureWipe(buf, 3)

	allZero, allOnes := true, true
	for _, b := range buf {
		if b != 0x00 {
			allZero = false
		}
		if b != 0xFF {
			allOnes = false
		}
	}
	if allZero || allOnes {
		t.Errorf("expected final wipe pass to be random, got uniform buffer")
	}
}
