package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAndReadRecent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := Open(path, 1<<20, 5, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Write(map[string]any{
		"action":          "allow",
		"risk":            12,
		"token_hash":      "abc123",
		"not_whitelisted": "should be dropped",
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lines, err := l.ReadRecent(10)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if strings.Contains(lines[0], "not_whitelisted") {
		t.Errorf("non-whitelisted field leaked into record: %s", lines[0])
	}
	if !strings.Contains(lines[0], "|") {
		t.Errorf("expected tamper tag separator in line: %s", lines[0])
	}
}

func TestWriteWithoutTamperDetectionOmitsTag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := Open(path, 1<<20, 5, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Write(map[string]any{"action": "block"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lines, _ := l.ReadRecent(10)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if strings.Contains(lines[0], "|") {
		t.Errorf("expected no tamper tag when disabled: %s", lines[0])
	}

	result := l.VerifyLogIntegrity()
	if result.Status != StatusDisabled {
		t.Errorf("status = %q, want %q", result.Status, StatusDisabled)
	}
}

func TestVerifyLogIntegrityFreshKeyRejectsPriorProcessTags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := Open(path, 1<<20, 5, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := l.Write(map[string]any{"action": "allow", "risk": i}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	result := l.VerifyLogIntegrity()
	if result.Status != StatusVerified || result.ValidCount != 3 || result.InvalidCount != 0 {
		t.Fatalf("unexpected same-process result: %+v", result)
	}
	l.Close()

	// The tamper key is derived fresh per process and never persisted, so a
	// new Log instance over the same file cannot validate the prior
	// process's tags — this is the expected, documented behavior, not a
	// bug: it demonstrates the tag genuinely depends on the per-process key.
	l2, err := Open(path, 1<<20, 5, true, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	result2 := l2.VerifyLogIntegrity()
	if result2.Status != StatusTampered {
		t.Errorf("status = %q, want %q", result2.Status, StatusTampered)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := Open(path, 64, 2, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for i := 0; i < 20; i++ {
		if err := l.Write(map[string]any{"action": "allow", "note": "padding-to-force-rotation"}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated file %s.1 to exist: %v", path, err)
	}
}
