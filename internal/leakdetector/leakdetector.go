// Package leakdetector implements the leak-type classification and
// behavioral-leak sliding-window check described in spec.md §4.4. It is
// deliberately a narrow collaborator with no dependency on the scorer or
// sanitizer packages, per spec.md §9's note on avoiding cyclic component
// references — it only consumes a plain metadata map and its own window
// state.
package leakdetector

import (
	"math"
	"strings"
	"sync"
)

// LeakType enumerates the categories of leak the detector can flag.
type LeakType string

const (
	IdentityLeak   LeakType = "identity_leak"
	LocationLeak   LeakType = "location_leak"
	DeviceLeak     LeakType = "device_leak"
	NetworkLeak    LeakType = "network_leak"
	BehavioralLeak LeakType = "behavioral_leak"
	TemporalLeak   LeakType = "temporal_leak"
)

var leakDictionary = map[LeakType][]string{
	IdentityLeak: {"user_id", "email", "ssn", "biometric"},
	LocationLeak: {"gps", "coordinates", "location"},
	DeviceLeak:   {"device_id", "mac_address"},
	NetworkLeak:  {"ip_address", "network_info", "connection_type"},
	TemporalLeak: {"timestamp", "last_seen"},
}

const behavioralFieldCountThreshold = 15
const behavioralVarianceThreshold = 5.0
const patternWindowDefault = 10

// Result is the output of Detect.
type Result struct {
	LeakDetected bool
	LeakRisk     float64
	LeakTypes    []LeakType
}

// Detector tracks a sliding window of recent submissions' field counts to
// surface behavioral_leak via variance, in addition to the stateless
// per-submission name-dictionary classification.
type Detector struct {
	mu         sync.Mutex
	window     []int
	windowSize int
}

// New creates a Detector with the given pattern window size (default 10).
func New(windowSize int) *Detector {
	if windowSize <= 0 {
		windowSize = patternWindowDefault
	}
	return &Detector{windowSize: windowSize}
}

// Detect classifies metadata's fields against the leak dictionary,
// updates the sliding window of field counts, and reports whether a
// behavioral_leak should additionally be flagged.
func (d *Detector) Detect(metadata map[string]any) Result {
	types := make(map[LeakType]bool)
	for field := range metadata {
		f := strings.ToLower(field)
		for leakType, substrings := range leakDictionary {
			for _, sub := range substrings {
				if strings.Contains(f, sub) {
					types[leakType] = true
				}
			}
		}
	}

	if d.observeBehavioral(len(metadata)) {
		types[BehavioralLeak] = true
	}

	if len(metadata) > behavioralFieldCountThreshold {
		types[BehavioralLeak] = true
	}

	result := Result{LeakDetected: len(types) > 0}
	for t := range types {
		result.LeakTypes = append(result.LeakTypes, t)
	}
	result.LeakRisk = riskFor(len(result.LeakTypes))
	return result
}

// observeBehavioral records the current field count in the sliding window
// and returns true if the sample variance of the last windowSize counts
// exceeds the behavioral threshold.
func (d *Detector) observeBehavioral(fieldCount int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = append(d.window, fieldCount)
	if len(d.window) > d.windowSize {
		d.window = d.window[len(d.window)-d.windowSize:]
	}
	if len(d.window) < 2 {
		return false
	}
	return sampleVariance(d.window) > behavioralVarianceThreshold
}

func sampleVariance(xs []int) float64 {
	n := float64(len(xs))
	mean := 0.0
	for _, x := range xs {
		mean += float64(x)
	}
	mean /= n

	ss := 0.0
	for _, x := range xs {
		d := float64(x) - mean
		ss += d * d
	}
	return ss / (n - 1)
}

// riskFor maps the number of distinct leak types found to a risk in [0,1].
// More distinct categories of leak indicate a more serious exposure.
func riskFor(leakTypeCount int) float64 {
	if leakTypeCount == 0 {
		return 0
	}
	risk := 0.2 + 0.2*float64(leakTypeCount)
	return math.Min(risk, 1.0)
}
