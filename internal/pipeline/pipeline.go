// Package pipeline implements the request pipeline described in spec.md
// §4.8: it orchestrates sanitize → score → decide → store for a single
// submission, and the hybrid key-exchange variant that AEAD-encrypts the
// caller's plaintext before running the same decision path.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"

	"github.com/ghostline/ghostline/internal/hybrid"
	"github.com/ghostline/ghostline/internal/keymanager"
	"github.com/ghostline/ghostline/internal/leakdetector"
	"github.com/ghostline/ghostline/internal/policy"
	"github.com/ghostline/ghostline/internal/sanitizer"
	"github.com/ghostline/ghostline/internal/store"
)

// Scorer is the narrow collaborator interface the pipeline consults for
// risk scoring, satisfied by both internal/scorer.Scorer and
// internal/consensus.Ensemble (spec.md §4.6's drop-in-replacement
// contract), per spec.md §9's note to depend on interfaces, never concrete
// cyclic references.
type Scorer interface {
	Score(vector []float64) int
}

// Status is the outcome of a submission, matching the wire shapes in
// spec.md §6.
type Status string

const (
	StatusStored         Status = "stored"
	StatusBlocked        Status = "blocked"
	StatusRequireReauth  Status = "require_reauth"
	StatusPendingApproval Status = "pending_approval"
)

// Result is returned by Submit and HybridSubmit.
type Result struct {
	Status    Status
	Risk      int
	Policy    policy.Action
	Message   string
	KeyID     string // set only for the hybrid path
	Encrypted []byte // set only for the hybrid path: the stored ciphertext
	KEMCiphertext []byte // set only for the hybrid path when a KEM encapsulation was made
}

// Pipeline wires the sanitizer, leak detector, scorer, policy engine, and
// ephemeral store into the single orchestration path of spec.md §4.8.
type Pipeline struct {
	Sanitizer    *sanitizer.Sanitizer
	LeakDetector *leakdetector.Detector
	Scorer       Scorer // nil is valid: falls back to the neutral risk of 50
	Policy       *policy.Engine
	Store        *store.Store
	KeyManager   *keymanager.Manager
	Logger       *slog.Logger
}

// Submit runs steps 1-9 of spec.md §4.8 for a plaintext-ciphertext
// submission already encoded as base64. metadata is the caller-supplied
// raw metadata map (may be nil).
func (p *Pipeline) Submit(ctx context.Context, token, ciphertextB64 string, ttlSeconds int64, metadata map[string]any, clientHash, actorHash string) (Result, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return Result{}, fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(ciphertext) == 0 {
		return Result{}, fmt.Errorf("ciphertext must not be empty")
	}

	risk, summary := p.evaluate(metadata)

	decision := p.Policy.Decide(risk, token, summary, clientHash, actorHash)

	result := Result{Risk: risk, Policy: decision.Policy}
	switch decision.Action {
	case policy.Allow:
		if err := p.Store.Put(token, ciphertext, ttlSeconds); err != nil {
			return Result{}, fmt.Errorf("storing entry: %w", err)
		}
		result.Status = StatusStored
	case policy.RequireReauth:
		result.Status = StatusRequireReauth
		result.Message = "risk level requires re-authentication before storage"
	case policy.PendingApproval:
		result.Status = StatusPendingApproval
		result.Message = "submission queued for manual approval"
	default:
		result.Status = StatusBlocked
		result.Message = "submission blocked by policy"
	}

	return result, nil
}

// HybridSubmit performs the key-manager exchange described in spec.md
// §4.3/§4.8: it derives a symmetric key from the client's classical (and,
// if PQC is enabled, KEM) public key, AES-GCM-encrypts plaintext with
// associated data binding token|key_id|padded_size|dest_count, and then
// runs the same decision path as Submit against the resulting ciphertext.
func (p *Pipeline) HybridSubmit(ctx context.Context, token string, plaintext []byte, ttlSeconds int64, clientClassicalPub [32]byte, clientKEMPub []byte, metadata map[string]any, clientHash, actorHash string) (Result, error) {
	if p.KeyManager == nil {
		return Result{}, fmt.Errorf("key manager unavailable")
	}

	combined, kemCiphertext, keys, err := p.KeyManager.DeriveSharedSecretServerSide(clientClassicalPub, clientKEMPub)
	if err != nil {
		return Result{}, fmt.Errorf("deriving shared secret: %w", err)
	}
	symmetricKey, err := keymanager.DeriveSymmetricKey(combined, "", 32)
	if err != nil {
		return Result{}, fmt.Errorf("deriving symmetric key: %w", err)
	}

	risk, summary := p.evaluate(metadata)

	ad := hybrid.AssociatedData(token, keys.KeyID, summary.PaddedSize, summary.DestCount)
	ciphertext, err := hybrid.Seal(symmetricKey, plaintext, ad)
	if err != nil {
		return Result{}, fmt.Errorf("sealing payload: %w", err)
	}

	decision := p.Policy.Decide(risk, token, summary, clientHash, actorHash)

	result := Result{Risk: risk, Policy: decision.Policy, KeyID: keys.KeyID}
	result.KEMCiphertext = kemCiphertext // for client decapsulation

	switch decision.Action {
	case policy.Allow:
		if err := p.Store.Put(token, ciphertext, ttlSeconds); err != nil {
			return Result{}, fmt.Errorf("storing entry: %w", err)
		}
		result.Status = StatusStored
		result.Encrypted = ciphertext
	case policy.RequireReauth:
		result.Status = StatusRequireReauth
		result.Message = "risk level requires re-authentication before storage"
	case policy.PendingApproval:
		result.Status = StatusPendingApproval
		result.Message = "submission queued for manual approval"
	default:
		result.Status = StatusBlocked
		result.Message = "submission blocked by policy"
	}

	return result, nil
}

// evaluate runs steps 2-6 of spec.md §4.8: leak detection, sanitization,
// feature-vector construction, scoring, and leak-risk adjustment. It
// returns the final risk and the restricted metadata summary the policy
// engine consumes.
func (p *Pipeline) evaluate(metadata map[string]any) (int, policy.MetadataSummary) {
	var leakResult leakdetector.Result
	if p.LeakDetector != nil {
		leakResult = p.LeakDetector.Detect(metadata)
	}

	sanitized := metadata
	var report sanitizer.Report
	if p.Sanitizer != nil {
		sanitized, report = p.Sanitizer.Sanitize(metadata)
	}

	vector := featureVector(sanitized)

	baseRisk := 50
	if p.Scorer != nil {
		baseRisk = p.Scorer.Score(vector)
	}

	risk := baseRisk
	if leakResult.LeakDetected {
		risk = baseRisk + int(math.Floor(30*leakResult.LeakRisk))
		if risk > 100 {
			risk = 100
		}
	}

	leakTypes := make([]string, 0, len(leakResult.LeakTypes))
	for _, t := range leakResult.LeakTypes {
		leakTypes = append(leakTypes, string(t))
	}

	exceptionFlag, _ := metadata["exception_flag"].(bool)

	summary := policy.MetadataSummary{
		PaddedSize:    int64(vector[0]),
		DestCount:     int64(vector[2]),
		ExceptionFlag: exceptionFlag,
		LeakDetected:  leakResult.LeakDetected,
		LeakTypes:     leakTypes,
	}

	if p.Logger != nil && report.SanitizationApplied {
		p.Logger.Debug("metadata sanitized",
			"removed", len(report.RemovedFields),
			"obfuscated", len(report.ObfuscatedFields),
			"quantized", len(report.QuantizedFields),
			"aggregate_risk", report.AggregateRisk,
		)
	}

	return risk, summary
}

// featureVector builds the fixed-order [padded_size, interval, dest_count,
// device_change_flag] vector from sanitized metadata, per spec.md §4.8 step
// 4: absent fields default to 0, except dest_count, which defaults to 1.
func featureVector(metadata map[string]any) []float64 {
	v := make([]float64, 4)
	v[0] = numericField(metadata, "padded_size", "message_size")
	v[1] = numericField(metadata, "interval")
	if destCount, ok := numericFieldOK(metadata, "dest_count"); ok {
		v[2] = destCount
	} else {
		v[2] = 1
	}
	v[3] = numericField(metadata, "device_change_flag")
	return v
}

func numericField(metadata map[string]any, keys ...string) float64 {
	v, _ := numericFieldOK(metadata, keys...)
	return v
}

func numericFieldOK(metadata map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		raw, ok := metadata[key]
		if !ok {
			continue
		}
		switch n := raw.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case bool:
			if n {
				return 1, true
			}
			return 0, true
		}
	}
	return 0, false
}
