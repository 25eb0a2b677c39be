package leakdetector

import "testing"

func TestDetectIdentityLeak(t *testing.T) {
	d := New(10)
	result := d.Detect(map[string]any{"user_id": "abc"})
	if !result.LeakDetected {
		t.Fatalf("expected leak detected")
	}
	if !containsType(result.LeakTypes, IdentityLeak) {
		t.Errorf("expected identity_leak in %v", result.LeakTypes)
	}
}

func TestDetectNoLeakOnBenignFields(t *testing.T) {
	d := New(10)
	result := d.Detect(map[string]any{"priority": 1, "type": "text"})
	if result.LeakDetected {
		t.Errorf("expected no leak for benign fields, got %v", result.LeakTypes)
	}
}

func TestDetectMultipleLeakTypes(t *testing.T) {
	d := New(10)
	result := d.Detect(map[string]any{
		"user_id":    "abc",
		"gps":        "1,2",
		"device_id":  "xyz",
		"ip_address": "1.2.3.4",
	})
	if len(result.LeakTypes) < 4 {
		t.Errorf("expected at least 4 leak types, got %v", result.LeakTypes)
	}
	if result.LeakRisk <= 0 {
		t.Errorf("expected positive leak risk")
	}
}

func TestBehavioralLeakOnFieldCountOverflow(t *testing.T) {
	d := New(10)
	metadata := make(map[string]any, 20)
	for i := 0; i < 20; i++ {
		metadata[string(rune('a'+i))] = i
	}
	result := d.Detect(metadata)
	if !containsType(result.LeakTypes, BehavioralLeak) {
		t.Errorf("expected behavioral_leak for field count > 15, got %v", result.LeakTypes)
	}
}

func TestBehavioralLeakOnHighVariance(t *testing.T) {
	d := New(5)
	counts := []int{1, 1, 1, 1, 20}
	var last Result
	for _, c := range counts {
		metadata := make(map[string]any, c)
		for i := 0; i < c; i++ {
			metadata[string(rune('a'+i))] = i
		}
		last = d.Detect(metadata)
	}
	if !containsType(last.LeakTypes, BehavioralLeak) {
		t.Errorf("expected behavioral_leak from high variance window, got %v", last.LeakTypes)
	}
}

func containsType(types []LeakType, want LeakType) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
