// Package store implements the ephemeral entry store described in spec.md
// §4.1: a keyed map of ciphertext with a bounded TTL, a best-effort secure
// wipe on deletion, and a background expiry sweeper. All operations are
// serialized by a single mutex guarding both the map and the
// deletion queue, matching spec.md §5.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ghostline/ghostline/internal/telemetry"
)

// Entry is the snapshot returned by Get. It never exposes the live buffer
// backing the store's internal state — callers get a copy.
type Entry struct {
	Ciphertext []byte
	ExpireAt   int64
	Read       bool
}

// entry is the store's internal representation.
type entry struct {
	ciphertext  []byte
	createdAt   int64
	expireAt    int64
	read        bool
	accessCount int64
	forensicID  string
}

// ForensicStatus is the snapshot returned by ForensicStatus.
type ForensicStatus struct {
	EntryCount            int            `json:"entry_count"`
	DeletionQueueSize     int            `json:"deletion_queue_size"`
	PassCount             int            `json:"pass_count"`
	ProtectionsEnabled    bool           `json:"protections_enabled"`
	TotalAccessesObserved int64          `json:"total_accesses_observed"`
	AccessFingerprint     map[string]int `json:"access_fingerprint"`
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Store is the ephemeral keyed store. Zero value is not usable; use New.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	delQueue []*entry

	passes      int
	now         Clock
	logger      *slog.Logger
	totalAccess int64
}

// New creates a Store. passes is the secure-deletion pass count (default 3
// per spec.md §4.1 if <= 0 is supplied).
func New(passes int, logger *slog.Logger) *Store {
	if passes <= 0 {
		passes = 3
	}
	return &Store{
		entries: make(map[string]*entry),
		passes:  passes,
		now:     time.Now,
		logger:  logger,
	}
}

func (s *Store) nowUnix() int64 { return s.now().Unix() }

// Put records ciphertext under token with the given TTL. Fails if ttlSeconds
// <= 0. Any prior entry for the token is enqueued for secure deletion.
func (s *Store) Put(token string, ciphertext []byte, ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("ttl_seconds must be > 0, got %d", ttlSeconds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowUnix()
	e := &entry{
		ciphertext: append([]byte(nil), ciphertext...),
		createdAt:  now,
		expireAt:   now + ttlSeconds,
		forensicID: forensicID(token, now),
	}

	if prior, ok := s.entries[token]; ok {
		s.delQueue = append(s.delQueue, prior)
	}
	s.entries[token] = e
	s.updateMetrics()
	return nil
}

// Get returns the entry for token if present and unexpired. An observed
// expired entry is enqueued for secure deletion and reported absent.
func (s *Store) Get(token string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return Entry{}, false
	}

	now := s.nowUnix()
	if e.expireAt <= now {
		delete(s.entries, token)
		s.delQueue = append(s.delQueue, e)
		s.updateMetrics()
		return Entry{}, false
	}

	e.accessCount++
	s.totalAccess++
	return Entry{
		Ciphertext: append([]byte(nil), e.ciphertext...),
		ExpireAt:   e.expireAt,
		Read:       e.read,
	}, true
}

// MarkReadAndDelete enqueues the entry for secure deletion. Returns true if
// the entry existed (regardless of whether it had already expired).
func (s *Store) MarkReadAndDelete(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return false
	}
	e.read = true
	delete(s.entries, token)
	s.delQueue = append(s.delQueue, e)
	s.updateMetrics()
	return true
}

// TTLRemaining returns max(0, expire_at - now), or absent if the token has no
// live entry.
func (s *Store) TTLRemaining(token string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return 0, false
	}
	now := s.nowUnix()
	if e.expireAt <= now {
		return 0, false
	}
	remaining := e.expireAt - now
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// ForceSecureCleanup drains every live entry through the deletion queue and
// returns the number of live entries deleted. Entries already waiting in the
// queue are wiped too but are not counted.
func (s *Store) ForceSecureCleanup() int {
	s.mu.Lock()
	n := len(s.entries)
	for token, e := range s.entries {
		delete(s.entries, token)
		s.delQueue = append(s.delQueue, e)
	}
	s.mu.Unlock()

	s.drainQueue()
	return n
}

// ForensicStatus returns a snapshot of the store's forensic-relevant state,
// including an access fingerprint: a bucketed distribution of how many
// times live entries have been read. No token or IP/user data is
// retained in the fingerprint, only aggregate counts.
func (s *Store) ForensicStatus() ForensicStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ForensicStatus{
		EntryCount:            len(s.entries),
		DeletionQueueSize:     len(s.delQueue),
		PassCount:             s.passes,
		ProtectionsEnabled:    true,
		TotalAccessesObserved: s.totalAccess,
		AccessFingerprint:     s.accessFingerprintLocked(),
	}
}

// accessFingerprintLocked buckets live entries by access count. Must be
// called with s.mu held.
func (s *Store) accessFingerprintLocked() map[string]int {
	buckets := map[string]int{"0": 0, "1": 0, "2-4": 0, "5+": 0}
	for _, e := range s.entries {
		switch {
		case e.accessCount == 0:
			buckets["0"]++
		case e.accessCount == 1:
			buckets["1"]++
		case e.accessCount <= 4:
			buckets["2-4"]++
		default:
			buckets["5+"]++
		}
	}
	return buckets
}

// sweepExpired moves any entry whose TTL has elapsed into the deletion
// queue. Called by the background sweeper.
func (s *Store) sweepExpired() {
	s.mu.Lock()
	now := s.nowUnix()
	for token, e := range s.entries {
		if e.expireAt <= now {
			delete(s.entries, token)
			s.delQueue = append(s.delQueue, e)
		}
	}
	s.updateMetrics()
	s.mu.Unlock()
}

// drainQueue snapshots the deletion queue under lock, releases the lock,
// performs the secure wipes, then returns the count wiped. Per spec.md §5 the
// wipe work itself must not hold the store's mutex.
func (s *Store) drainQueue() int {
	s.mu.Lock()
	batch := s.delQueue
	s.delQueue = nil
	s.updateMetrics()
	s.mu.Unlock()

	for _, e := range batch {
		secureWipe(e.ciphertext, s.passes)
		e.ciphertext = nil
	}
	return len(batch)
}

// updateMetrics refreshes the store's Prometheus gauges. Must be called with
// s.mu held.
func (s *Store) updateMetrics() {
	telemetry.StoreEntries.Set(float64(len(s.entries)))
	telemetry.StoreDeletionQueue.Set(float64(len(s.delQueue)))
}

// forensicID derives the opaque 16-hex identifier from the token, creation
// time, and a random component, per spec.md §3.
func forensicID(token string, createdAt int64) string {
	var r [8]byte
	_, _ = rand.Read(r[:])
	h := sha256.New()
	h.Write([]byte(token))
	h.Write([]byte(fmt.Sprintf(":%d:", createdAt)))
	h.Write(r[:])
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Sweeper periodically drains the deletion queue and scans for newly
// expired entries, per spec.md §4.1.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a background sweeper for store, waking every interval.
func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled. On shutdown it drains the queue once
// more before returning, per spec.md §5's cancellation requirement.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n := sw.store.drainQueue()
			if sw.logger != nil {
				sw.logger.Info("store sweeper stopped, drained queue", "wiped", n)
			}
			return
		case <-ticker.C:
			wiped := sw.store.drainQueue()
			sw.store.sweepExpired()
			if sw.logger != nil && wiped > 0 {
				sw.logger.Debug("store sweeper tick", "wiped", wiped)
			}
		}
	}
}
