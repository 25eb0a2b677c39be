package pipeline

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/ghostline/ghostline/internal/audit"
	"github.com/ghostline/ghostline/internal/leakdetector"
	"github.com/ghostline/ghostline/internal/policy"
	"github.com/ghostline/ghostline/internal/sanitizer"
	"github.com/ghostline/ghostline/internal/store"
)

// fixedScorer is a deterministic test double for Scorer.
type fixedScorer struct{ risk int }

func (f fixedScorer) Score(_ []float64) int { return f.risk }

func newTestPipeline(t *testing.T, policyCfg policy.Config, scorer Scorer) *Pipeline {
	t.Helper()
	log, err := audit.Open(t.TempDir()+"/audit.log", 0, 0, false, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	return &Pipeline{
		Sanitizer:    sanitizer.New(0.7),
		LeakDetector: leakdetector.New(10),
		Scorer:       scorer,
		Policy:       policy.New(policyCfg, log),
		Store:        store.New(3, nil),
	}
}

func defaultPolicyConfig() policy.Config {
	return policy.Config{
		AllowThreshold:   70,
		ReauthThreshold:  40,
		ShadowMode:       false,
		CanaryFraction:   1.0,
		ExceptionQuota:   3,
		ExceptionWindowS: 3600,
	}
}

func TestSubmitStoresOnAllow(t *testing.T) {
	p := newTestPipeline(t, defaultPolicyConfig(), fixedScorer{risk: 90})
	ctx := context.Background()

	metadata := map[string]any{"padded_size": 800.0, "interval": 30.0, "dest_count": 1.0}
	ctB64 := base64.StdEncoding.EncodeToString([]byte("hello world"))

	result, err := p.Submit(ctx, "tok1", ctB64, 60, metadata, "", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != StatusStored {
		t.Fatalf("status = %q, want stored (risk=%d)", result.Status, result.Risk)
	}

	entry, ok := p.Store.Get("tok1")
	if !ok {
		t.Fatal("expected entry to be stored")
	}
	if string(entry.Ciphertext) != "hello world" {
		t.Errorf("stored ciphertext = %q", entry.Ciphertext)
	}
}

func TestSubmitRejectsMalformedBase64(t *testing.T) {
	p := newTestPipeline(t, defaultPolicyConfig(), fixedScorer{risk: 90})
	_, err := p.Submit(context.Background(), "tok1", "not-valid-base64!!!", 60, nil, "", "")
	if err == nil {
		t.Fatal("expected error for malformed base64")
	}
}

func TestSubmitRejectsEmptyCiphertext(t *testing.T) {
	p := newTestPipeline(t, defaultPolicyConfig(), fixedScorer{risk: 90})
	_, err := p.Submit(context.Background(), "tok1", "", 60, nil, "", "")
	if err == nil {
		t.Fatal("expected error for empty ciphertext")
	}
}

func TestSubmitBlocksOnLowRisk(t *testing.T) {
	p := newTestPipeline(t, defaultPolicyConfig(), fixedScorer{risk: 10})
	metadata := map[string]any{"padded_size": 800.0, "interval": 30.0, "dest_count": 1.0}
	ctB64 := base64.StdEncoding.EncodeToString([]byte("payload"))

	result, err := p.Submit(context.Background(), "tok2", ctB64, 60, metadata, "", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != StatusBlocked {
		t.Fatalf("status = %q (risk=%d), want blocked", result.Status, result.Risk)
	}
	if _, ok := p.Store.Get("tok2"); ok {
		t.Error("blocked submission must not be stored")
	}
}

func TestSubmitRequiresReauthInMiddleBand(t *testing.T) {
	p := newTestPipeline(t, defaultPolicyConfig(), fixedScorer{risk: 50})
	metadata := map[string]any{"padded_size": 800.0, "interval": 30.0, "dest_count": 1.0}
	ctB64 := base64.StdEncoding.EncodeToString([]byte("payload"))

	result, err := p.Submit(context.Background(), "tok3", ctB64, 60, metadata, "", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != StatusRequireReauth {
		t.Fatalf("status = %q (risk=%d), want require_reauth", result.Status, result.Risk)
	}
}

func TestSubmitAdjustsRiskForDetectedLeak(t *testing.T) {
	p := newTestPipeline(t, defaultPolicyConfig(), fixedScorer{risk: 50})
	metadataClean := map[string]any{"padded_size": 800.0, "interval": 30.0, "dest_count": 1.0}
	metadataLeaky := map[string]any{
		"padded_size": 800.0, "interval": 30.0, "dest_count": 1.0,
		"user_id": "abc123", "email": "a@b.com",
	}

	cleanRisk, _ := p.evaluate(metadataClean)
	leakyRisk, _ := p.evaluate(metadataLeaky)

	if leakyRisk <= cleanRisk {
		t.Errorf("leaky risk %d should exceed clean risk %d (leak adjustment adds floor(30*leak_risk) to the base risk)", leakyRisk, cleanRisk)
	}
}

func TestFeatureVectorDefaults(t *testing.T) {
	v := featureVector(map[string]any{})
	if v[2] != 1 {
		t.Errorf("dest_count default = %v, want 1", v[2])
	}
	if v[0] != 0 || v[1] != 0 || v[3] != 0 {
		t.Errorf("unexpected non-zero default in %v", v)
	}
}
