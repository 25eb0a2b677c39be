// Package policy implements the threshold-based decision engine described
// in spec.md §4.7: raw action selection from risk thresholds, an
// exception-quota sliding window, shadow/canary enforcement gating, and
// exactly one audit record emitted per decision.
package policy

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/ghostline/ghostline/internal/audit"
	"github.com/ghostline/ghostline/internal/telemetry"
)

// Action is the decision outcome.
type Action string

const (
	Allow          Action = "allow"
	RequireReauth  Action = "require_reauth"
	Block          Action = "block"
	PendingApproval Action = "pending_approval"
)

// MetadataSummary is the restricted summary the engine consults and, in
// part, persists to the audit record.
type MetadataSummary struct {
	PaddedSize    int64
	DestCount     int64
	ExceptionFlag bool
	LeakDetected  bool
	LeakTypes     []string
}

// Decision is the output of Decide.
type Decision struct {
	Action    Action
	Policy    Action // the raw, pre-enforcement-gating action
	Enforced  bool
	Reason    string
	TokenHash string
}

// Engine is the policy engine. Thresholds are mutable at runtime via
// SetThresholds under mu; the exception ledger is guarded by the same
// lock, consistent with spec.md §5's "guarded by a mutex; reads purge
// stale entries before returning".
type Engine struct {
	mu sync.Mutex

	allowThreshold  int
	reauthThreshold int
	shadowMode      bool
	canaryFraction  float64

	exceptionQuota   int
	exceptionWindow  time.Duration
	exceptionLedger  map[string][]time.Time

	auditLog *audit.Log
	now      func() time.Time
}

// Config configures a new Engine.
type Config struct {
	AllowThreshold   int
	ReauthThreshold  int
	ShadowMode       bool
	CanaryFraction   float64
	ExceptionQuota   int
	ExceptionWindowS int
}

// New creates an Engine writing decision audit records to log.
func New(cfg Config, log *audit.Log) *Engine {
	return &Engine{
		allowThreshold:  cfg.AllowThreshold,
		reauthThreshold: cfg.ReauthThreshold,
		shadowMode:      cfg.ShadowMode,
		canaryFraction:  cfg.CanaryFraction,
		exceptionQuota:  cfg.ExceptionQuota,
		exceptionWindow: time.Duration(cfg.ExceptionWindowS) * time.Second,
		exceptionLedger: make(map[string][]time.Time),
		auditLog:        log,
		now:             time.Now,
	}
}

// Decide runs the ordered decision steps from spec.md §4.7 and emits
// exactly one audit record before returning.
func (e *Engine) Decide(risk int, token string, summary MetadataSummary, clientHash, actorHash string) Decision {
	e.mu.Lock()
	allowThreshold, reauthThreshold := e.allowThreshold, e.reauthThreshold
	shadowMode, canaryFraction := e.shadowMode, e.canaryFraction
	e.mu.Unlock()

	raw := rawAction(risk, allowThreshold, reauthThreshold)
	reason := "threshold"

	action := raw
	if summary.ExceptionFlag {
		ledgerKey := actorHash
		if ledgerKey == "" {
			ledgerKey = token
		}
		withinQuota := e.checkAndRecordException(ledgerKey)
		switch {
		case withinQuota && raw == Block:
			action = PendingApproval
			reason = "exception_downgrade"
		case withinQuota && raw == Allow:
			action = Allow
			reason = "exception_allow"
		case !withinQuota:
			action = Block
			reason = "exception_quota_exceeded"
		}
	}

	policyField := action
	enforced := !shadowMode && canaryEnforced(token, canaryFraction)
	if !enforced {
		action = Allow
	}

	tokenHash := hashToken(token)
	decision := Decision{
		Action:    action,
		Policy:    policyField,
		Enforced:  enforced,
		Reason:    reason,
		TokenHash: tokenHash,
	}

	e.emitAudit(decision, risk, clientHash, actorHash, summary)
	telemetry.PolicyDecisionsTotal.WithLabelValues(string(decision.Action)).Inc()

	return decision
}

func rawAction(risk, allowThreshold, reauthThreshold int) Action {
	switch {
	case risk >= allowThreshold:
		return Allow
	case risk >= reauthThreshold:
		return RequireReauth
	default:
		return Block
	}
}

// canaryEnforced implements spec.md §4.7's deterministic per-token canary
// split: the first 8 bytes of SHA-256(token), read big-endian, divided by
// 2^64, compared against canaryFraction.
func canaryEnforced(token string, canaryFraction float64) bool {
	h := sha256.Sum256([]byte(token))
	n := binary.BigEndian.Uint64(h[:8])
	frac := float64(n) / float64(^uint64(0))
	return frac < canaryFraction
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// checkAndRecordException purges stale entries, then reports whether key
// is within its exception quota for the configured window. A call within
// quota records a new timestamp (matching spec.md §4.7's "if within quota
// ... record a new exception timestamp" for both the downgrade and allow
// branches).
func (e *Engine) checkAndRecordException(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	cutoff := now.Add(-e.exceptionWindow)

	fresh := e.exceptionLedger[key][:0]
	for _, ts := range e.exceptionLedger[key] {
		if ts.After(cutoff) {
			fresh = append(fresh, ts)
		}
	}
	e.exceptionLedger[key] = fresh

	withinQuota := len(fresh) < e.exceptionQuota
	if withinQuota {
		e.exceptionLedger[key] = append(e.exceptionLedger[key], now)
		telemetry.PolicyExceptionsTotal.Inc()
	}
	return withinQuota
}

// emitAudit writes exactly one audit record for this decision. Per
// spec.md §7, a write failure is logged and swallowed; it never blocks
// the decision.
func (e *Engine) emitAudit(d Decision, risk int, clientHash, actorHash string, summary MetadataSummary) {
	if e.auditLog == nil {
		return
	}
	fields := map[string]any{
		"token_hash":  d.TokenHash,
		"action":      string(d.Action),
		"policy":      string(d.Policy),
		"risk":        risk,
		"reason":      d.Reason,
		"client_hash": clientHash,
		"actor_hash":  actorHash,
		"metadata_summary": map[string]any{
			"padded_size":    summary.PaddedSize,
			"dest_count":     summary.DestCount,
			"exception_flag": summary.ExceptionFlag,
		},
	}
	if err := e.auditLog.Write(fields); err != nil {
		telemetry.AuditWriteFailuresTotal.Inc()
		slog.Warn("audit write failed", "error", err)
	}
}

// SetThresholds mutates allow/reauth thresholds under lock; subsequent
// decisions observe the new values.
func (e *Engine) SetThresholds(allow, reauth *int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if allow != nil {
		e.allowThreshold = *allow
	}
	if reauth != nil {
		e.reauthThreshold = *reauth
	}
}

// Status reports the engine's current runtime configuration.
func (e *Engine) Status() (allowThreshold, reauthThreshold int, shadowMode bool, canaryFraction float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allowThreshold, e.reauthThreshold, e.shadowMode, e.canaryFraction
}
