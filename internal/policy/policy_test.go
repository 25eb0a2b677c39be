package policy

import (
	"path/filepath"
	"testing"

	"github.com/ghostline/ghostline/internal/audit"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	log, err := audit.Open(path, 0, 0, false, nil)
	if err != nil {
		t.Fatalf("opening audit log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return New(cfg, log)
}

func TestDecideAllowAboveAllowThreshold(t *testing.T) {
	e := newTestEngine(t, Config{AllowThreshold: 70, ReauthThreshold: 40, CanaryFraction: 1.0})
	d := e.Decide(80, "tok1", MetadataSummary{}, "client", "actor")
	if d.Action != Allow {
		t.Errorf("action = %q, want allow", d.Action)
	}
	if !d.Enforced {
		t.Errorf("expected enforced=true at canary_fraction=1.0")
	}
}

func TestDecideRequireReauthBetweenThresholds(t *testing.T) {
	e := newTestEngine(t, Config{AllowThreshold: 70, ReauthThreshold: 40, CanaryFraction: 1.0})
	d := e.Decide(50, "tok1", MetadataSummary{}, "client", "actor")
	if d.Action != RequireReauth {
		t.Errorf("action = %q, want require_reauth", d.Action)
	}
}

func TestDecideBlockBelowReauthThreshold(t *testing.T) {
	e := newTestEngine(t, Config{AllowThreshold: 70, ReauthThreshold: 40, CanaryFraction: 1.0})
	d := e.Decide(10, "tok1", MetadataSummary{}, "client", "actor")
	if d.Action != Block {
		t.Errorf("action = %q, want block", d.Action)
	}
}

func TestShadowModeForcesAllowButReportsRawPolicy(t *testing.T) {
	e := newTestEngine(t, Config{AllowThreshold: 70, ReauthThreshold: 40, ShadowMode: true, CanaryFraction: 1.0})
	d := e.Decide(10, "tok1", MetadataSummary{}, "client", "actor")
	if d.Action != Allow {
		t.Errorf("action = %q, want allow under shadow mode", d.Action)
	}
	if d.Policy != Block {
		t.Errorf("policy = %q, want block (raw action preserved)", d.Policy)
	}
	if d.Enforced {
		t.Errorf("expected enforced=false under shadow mode")
	}
}

func TestCanaryFractionZeroNeverEnforces(t *testing.T) {
	e := newTestEngine(t, Config{AllowThreshold: 70, ReauthThreshold: 40, CanaryFraction: 0})
	d := e.Decide(10, "tok1", MetadataSummary{}, "client", "actor")
	if d.Enforced {
		t.Errorf("expected enforced=false at canary_fraction=0")
	}
	if d.Action != Allow {
		t.Errorf("expected forced allow when not enforced")
	}
}

func TestExceptionDowngradesBlockToPendingApprovalWithinQuota(t *testing.T) {
	e := newTestEngine(t, Config{
		AllowThreshold: 70, ReauthThreshold: 40, CanaryFraction: 1.0,
		ExceptionQuota: 2, ExceptionWindowS: 3600,
	})
	summary := MetadataSummary{ExceptionFlag: true}

	d1 := e.Decide(10, "tok1", summary, "client", "actor1")
	if d1.Action != PendingApproval {
		t.Errorf("1st exception: action = %q, want pending_approval", d1.Action)
	}
	d2 := e.Decide(10, "tok1", summary, "client", "actor1")
	if d2.Action != PendingApproval {
		t.Errorf("2nd exception: action = %q, want pending_approval", d2.Action)
	}
	d3 := e.Decide(10, "tok1", summary, "client", "actor1")
	if d3.Action != Block {
		t.Errorf("3rd exception (over quota): action = %q, want block", d3.Action)
	}
}

func TestSetThresholdsAffectsSubsequentDecisions(t *testing.T) {
	e := newTestEngine(t, Config{AllowThreshold: 70, ReauthThreshold: 40, CanaryFraction: 1.0})
	d := e.Decide(60, "tok1", MetadataSummary{}, "client", "actor")
	if d.Action != RequireReauth {
		t.Fatalf("expected require_reauth before threshold change")
	}

	newAllow := 50
	e.SetThresholds(&newAllow, nil)

	d2 := e.Decide(60, "tok1", MetadataSummary{}, "client", "actor")
	if d2.Action != Allow {
		t.Errorf("action = %q, want allow after lowering allow_threshold", d2.Action)
	}
}

func TestTokenHashIsDeterministicAndOpaque(t *testing.T) {
	e := newTestEngine(t, Config{AllowThreshold: 70, ReauthThreshold: 40, CanaryFraction: 1.0})
	d1 := e.Decide(80, "tok1", MetadataSummary{}, "client", "actor")
	d2 := e.Decide(80, "tok1", MetadataSummary{}, "client", "actor")
	if d1.TokenHash != d2.TokenHash {
		t.Errorf("expected stable token hash across calls")
	}
	if d1.TokenHash == "tok1" {
		t.Errorf("token hash must not equal the raw token")
	}
}
