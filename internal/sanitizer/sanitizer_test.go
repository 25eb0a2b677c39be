package sanitizer

import (
	"math"
	"testing"
)

func TestHighSensitivityFieldsAreRemoved(t *testing.T) {
	s := New(0.7)
	_, report := s.Sanitize(map[string]any{"user_id": "abc", "email": "a@b.com"})

	if len(report.RemovedFields) != 2 {
		t.Fatalf("expected 2 removed fields, got %d: %v", len(report.RemovedFields), report.RemovedFields)
	}
}

func TestMediumSensitivityFieldsAreObfuscated(t *testing.T) {
	s := New(0.7)
	sanitized, report := s.Sanitize(map[string]any{"last_seen": 1_700_000_000})

	if len(report.ObfuscatedFields) != 1 {
		t.Fatalf("expected 1 obfuscated field, got %d", len(report.ObfuscatedFields))
	}
	if _, ok := sanitized["last_seen"]; !ok {
		t.Errorf("expected obfuscated field to remain present")
	}
}

func TestLowSensitivityFieldsAreQuantized(t *testing.T) {
	s := New(0.7)
	sanitized, report := s.Sanitize(map[string]any{"padded_size": 17})

	if len(report.QuantizedFields) != 1 {
		t.Fatalf("expected 1 quantized field, got %d", len(report.QuantizedFields))
	}
	if sanitized["padded_size"] != 10 {
		t.Errorf("padded_size quantized = %v, want 10 (floor to nearest 10)", sanitized["padded_size"])
	}
}

func TestTimestampFieldIsQuantizedToNearestMinute(t *testing.T) {
	s := New(0.7)
	sanitized, report := s.Sanitize(map[string]any{"timestamp": 1_700_000_000.0})

	if len(report.QuantizedFields) != 1 {
		t.Fatalf("expected timestamp to be quantized, not obfuscated: %v", report)
	}
	want := 1_700_000_000.0 - math.Mod(1_700_000_000.0, 60)
	if sanitized["timestamp"] != want {
		t.Errorf("timestamp quantized = %v, want %v (floor to nearest minute)", sanitized["timestamp"], want)
	}
}

func TestUnknownFieldEscalatesToRemoveAboveThreshold(t *testing.T) {
	s := New(0.1) // low threshold so any risk escalates
	_, report := s.Sanitize(map[string]any{"some_weird_field": "user@example.com"})

	if len(report.RemovedFields) != 1 {
		t.Fatalf("expected unknown high-risk field to be removed, got removed=%v obfuscated=%v",
			report.RemovedFields, report.ObfuscatedFields)
	}
}

func TestUnknownFieldObfuscatedBelowThreshold(t *testing.T) {
	s := New(0.99)
	_, report := s.Sanitize(map[string]any{"some_weird_field": "just text"})

	if len(report.ObfuscatedFields) != 1 {
		t.Fatalf("expected unknown low-risk field to be obfuscated, got %v", report)
	}
}

func TestAggregateRiskCappedAtOne(t *testing.T) {
	s := New(0.7)
	metadata := map[string]any{
		"f1": "a@b.com",
		"f2": "c@d.com",
		"f3": "e@f.com",
	}
	_, report := s.Sanitize(metadata)
	if report.AggregateRisk > 1.0 {
		t.Errorf("aggregate risk = %v, want <= 1.0", report.AggregateRisk)
	}
}

func TestUUIDLikeValueAddsRisk(t *testing.T) {
	s := New(0.5)
	_, report := s.Sanitize(map[string]any{"opaque_field": "123e4567-e89b-12d3-a456-426614174000"})
	if report.AggregateRisk == 0 {
		t.Errorf("expected UUID-like value to contribute risk")
	}
}

func TestSanitizeMatchesLiteralScenarioS6(t *testing.T) {
	s := New(0.7)
	sanitized, report := s.Sanitize(map[string]any{
		"user_id":     "u123",
		"email":       "a@b.c",
		"padded_size": 2048,
		"timestamp":   1_700_000_000.0,
	})

	if _, ok := sanitized["user_id"]; ok {
		t.Errorf("expected user_id removed")
	}
	if _, ok := sanitized["email"]; ok {
		t.Errorf("expected email removed")
	}
	if _, ok := sanitized["padded_size"]; !ok {
		t.Errorf("expected padded_size to remain present (quantized, not removed)")
	}
	wantTimestamp := 1_700_000_000.0 - math.Mod(1_700_000_000.0, 60)
	if sanitized["timestamp"] != wantTimestamp {
		t.Errorf("timestamp quantized = %v, want %v", sanitized["timestamp"], wantTimestamp)
	}
	if !report.SanitizationApplied {
		t.Errorf("expected sanitization_applied = true")
	}
	if report.FinalRisk > 0.3 {
		t.Errorf("final_risk = %v, want <= 0.3", report.FinalRisk)
	}
}

func TestSanitizeIsIdempotentOnAlreadySanitizedOutput(t *testing.T) {
	s := New(0.7)
	sanitized, _ := s.Sanitize(map[string]any{"padded_size": 42})
	sanitizedAgain, _ := s.Sanitize(sanitized)
	if sanitizedAgain["padded_size"] != sanitized["padded_size"] {
		t.Errorf("expected idempotent quantization, got %v then %v", sanitized["padded_size"], sanitizedAgain["padded_size"])
	}
}
