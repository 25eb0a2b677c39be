// Package sanitizer implements the metadata sanitizer described in
// spec.md §4.4: a per-field sensitivity classification, value-level
// heuristics, obfuscation/quantization transforms, and an aggregate risk
// score fed back into the request pipeline's risk adjustment.
package sanitizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// Sensitivity is the classification tier of a field.
type Sensitivity int

const (
	Unknown Sensitivity = iota
	Low
	Medium
	High
)

const defaultThreshold = 0.7

var highFields = []string{
	"user_id", "email", "phone", "device_id", "ip_address", "mac_address",
	"gps", "coordinates", "credit_card", "biometric", "ssn",
}

var mediumFields = []string{
	"last_seen", "message_count", "network_info", "connection_type",
}

var lowFields = []string{
	"message_size", "padded_size", "ttl", "priority", "type", "timestamp",
}

func classify(field string) Sensitivity {
	f := strings.ToLower(field)
	for _, h := range highFields {
		if strings.Contains(f, h) {
			return High
		}
	}
	for _, m := range mediumFields {
		if strings.Contains(f, m) {
			return Medium
		}
	}
	for _, l := range lowFields {
		if strings.Contains(f, l) {
			return Low
		}
	}
	return Unknown
}

// valueRisk applies the value-level heuristics from spec.md §4.4 that fire
// regardless of field name, returning the additional risk weight.
func valueRisk(value any) float64 {
	s, ok := value.(string)
	if !ok {
		return 0
	}
	risk := 0.0
	if strings.Contains(s, "@") {
		risk += 0.8
	}
	if looksLikeUUID(s) {
		risk += 0.5
	}
	if looksLikeEpoch(s) {
		risk += 0.4
	}
	if len(s) > 10 && digitHeavy(s) {
		risk += 0.2
	}
	return risk
}

func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	dashes := 0
	for _, r := range s {
		if r == '-' {
			dashes++
		}
	}
	return dashes == 4
}

func looksLikeEpoch(s string) bool {
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return false
	}
	if fmt.Sprintf("%d", n) != s {
		return false
	}
	return n >= 1_000_000_000 && n <= 2_000_000_000
}

func digitHeavy(s string) bool {
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return float64(digits)/float64(len(s)) > 0.5
}

// Report is the output of Sanitize.
type Report struct {
	OriginalFields     int      `json:"original_fields"`
	SanitizedFields    int      `json:"sanitized_fields"`
	RemovedFields      []string `json:"removed_fields"`
	ObfuscatedFields   []string `json:"obfuscated_fields"`
	QuantizedFields    []string `json:"quantized_fields"`
	AggregateRisk      float64  `json:"aggregate_risk"`
	SanitizationApplied bool    `json:"sanitization_applied"`
	FinalRisk          float64  `json:"final_risk"`
}

// Sanitizer applies field-sensitivity driven transforms to submitted
// metadata. Threshold is the aggregate-risk cutoff (default 0.7) at or
// above which unknown fields escalate from obfuscate to remove.
type Sanitizer struct {
	threshold float64
}

// New creates a Sanitizer. threshold <= 0 uses the spec default of 0.7.
func New(threshold float64) *Sanitizer {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Sanitizer{threshold: threshold}
}

// Sanitize classifies and transforms every field in metadata, returning the
// sanitized copy and a report describing what happened.
func (s *Sanitizer) Sanitize(metadata map[string]any) (map[string]any, Report) {
	report := Report{OriginalFields: len(metadata)}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	aggregate := 0.0
	for _, k := range keys {
		aggregate += valueRisk(metadata[k])
	}
	if aggregate > 1.0 {
		aggregate = 1.0
	}
	report.AggregateRisk = aggregate

	sanitized := make(map[string]any, len(metadata))
	for _, field := range keys {
		value := metadata[field]
		class := classify(field)

		switch class {
		case High:
			report.RemovedFields = append(report.RemovedFields, field)
		case Medium:
			sanitized[field] = obfuscate(field, value)
			report.ObfuscatedFields = append(report.ObfuscatedFields, field)
		case Low:
			sanitized[field] = quantize(field, value)
			report.QuantizedFields = append(report.QuantizedFields, field)
		default: // Unknown
			if aggregate >= s.threshold {
				report.RemovedFields = append(report.RemovedFields, field)
			} else {
				sanitized[field] = obfuscate(field, value)
				report.ObfuscatedFields = append(report.ObfuscatedFields, field)
			}
		}
	}

	report.SanitizedFields = len(sanitized)
	report.SanitizationApplied = len(report.RemovedFields) > 0 ||
		len(report.ObfuscatedFields) > 0 || len(report.QuantizedFields) > 0
	report.FinalRisk = finalRisk(sanitized)

	return sanitized, report
}

// finalRisk recomputes risk over the fields remaining after sanitization
// (the high-sensitivity fields are already gone), per
// original_source/backend/app/services/metadata_sanitizer.py's
// _calculate_final_risk_score: each remaining field contributes 0.8 if its
// name still matches a high-sensitivity pattern, 0.3 if medium, else 0.1,
// averaged over the remaining field count and capped at 1.0.
func finalRisk(sanitized map[string]any) float64 {
	if len(sanitized) == 0 {
		return 0
	}
	total := 0.0
	for field := range sanitized {
		f := strings.ToLower(field)
		switch {
		case containsAny(f, highFields):
			total += 0.8
		case containsAny(f, mediumFields):
			total += 0.3
		default:
			total += 0.1
		}
	}
	risk := total / float64(len(sanitized))
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func obfuscate(field string, value any) any {
	switch v := value.(type) {
	case string:
		h := sha256.Sum256([]byte(field + ":" + v))
		return "obf_" + hex.EncodeToString(h[:])[:8]
	case int:
		return v + randIntRange(-5, 5)
	case int64:
		return v + int64(randIntRange(-5, 5))
	case float64:
		jitter := rand.Float64() * 0.1
		return math.Round((v+jitter)*100) / 100
	case bool:
		return v
	default:
		return value
	}
}

func randIntRange(lo, hi int) int {
	return lo + rand.Intn(hi-lo)
}

func quantize(field string, value any) any {
	lf := strings.ToLower(field)
	if strings.Contains(lf, "timestamp") {
		if f, ok := toFloat(value); ok {
			return math.Floor(f/60) * 60
		}
	}
	switch v := value.(type) {
	case float64:
		return math.Round(v*100) / 100
	case int:
		return (v / 10) * 10
	case int64:
		return (v / 10) * 10
	case string:
		switch {
		case len(v) <= 5:
			return "short"
		case len(v) <= 20:
			return "medium"
		default:
			return "long"
		}
	default:
		return value
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
