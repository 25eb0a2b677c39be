// Package audit implements the append-only, tamper-evident decision and
// admin event log described in spec.md §4.2: canonical one-line JSON
// records, an optional truncated HMAC-SHA-256 tamper tag derived from a
// per-process key, size-based rotation, and a fixed field whitelist.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// tamperKeyInfo is the fixed HKDF info string binding the derived tamper
// key to this specific use, per spec.md §4.2.
const tamperKeyInfo = "ghostline-audit-tamper-v1"

// whitelist is the exact set of keys a record may persist. Anything else is
// silently dropped before write.
var whitelist = map[string]bool{
	"ts":               true,
	"token_hash":       true,
	"actor_hash":       true,
	"client_hash":      true,
	"action":           true,
	"policy":           true,
	"risk":             true,
	"reason":           true,
	"metadata_summary": true,
	"admin_action":     true,
	"note":             true,
}

// Status is the result of an integrity check.
type Status string

const (
	StatusVerified Status = "verified"
	StatusTampered Status = "tampered"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// IntegrityResult is returned by VerifyLogIntegrity.
type IntegrityResult struct {
	Status       Status `json:"status"`
	ValidCount   int    `json:"valid_count"`
	InvalidCount int    `json:"invalid_count"`
	Error        string `json:"error,omitempty"`
}

// Log is the append-only audit sink. All writes are serialized by mu.
type Log struct {
	mu            sync.Mutex
	path          string
	maxSize       int64
	rotationCount int
	tamperEnabled bool
	tamperKey     []byte
	written       int64
	file          *os.File
	logger        *slog.Logger
	mirror        *Mirror
}

// AttachMirror wires an optional asynchronous Postgres mirror. Every
// subsequent Write additionally enqueues the whitelisted record to the
// mirror; the file log remains the system of record (spec.md §4.2).
func (l *Log) AttachMirror(m *Mirror) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = m
}

// Open creates or appends to the audit log at path. If tamperEnabled, a
// fresh per-process tamper key is derived via HKDF-SHA-256 from the process
// id, the wall-clock start time, and a random seed.
func Open(path string, maxSize int64, rotationCount int, tamperEnabled bool, logger *slog.Logger) (*Log, error) {
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	if rotationCount <= 0 {
		rotationCount = 5
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}

	l := &Log{
		path:          path,
		maxSize:       maxSize,
		rotationCount: rotationCount,
		tamperEnabled: tamperEnabled,
		written:       info.Size(),
		file:          f,
		logger:        logger,
	}

	if tamperEnabled {
		key, err := deriveTamperKey()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("deriving tamper key: %w", err)
		}
		l.tamperKey = key
	}

	return l, nil
}

func deriveTamperKey() ([]byte, error) {
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	ikm := fmt.Sprintf("%d:%d:%x", os.Getpid(), time.Now().UnixNano(), seed)
	r := hkdf.New(sha256.New, []byte(ikm), nil, []byte(tamperKeyInfo))
	key := make([]byte, 32)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Write filters fields against the whitelist, serializes a canonical
// one-line JSON record with deterministically sorted keys, appends an HMAC
// tamper tag if enabled, and appends the line to the active file. Write
// failures are the caller's concern to log-and-swallow per spec.md §7; this
// method simply returns the error.
func (l *Log) Write(fields map[string]any) error {
	clean := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if whitelist[k] {
			clean[k] = v
		}
	}
	if _, ok := clean["ts"]; !ok {
		clean["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	line, err := canonicalJSON(clean)
	if err != nil {
		return fmt.Errorf("serializing audit record: %w", err)
	}

	if l.tamperEnabled {
		tag := hmac.New(sha256.New, l.tamperKey)
		tag.Write(line)
		sum := hex.EncodeToString(tag.Sum(nil))[:16]
		line = append(line, '|')
		line = append(line, sum...)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeededLocked(); err != nil {
		return err
	}

	n, err := l.file.Write(line)
	if err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	l.written += int64(n)

	if l.mirror != nil {
		l.mirror.Mirror(clean)
	}
	return nil
}

// canonicalJSON serializes fields as one line of JSON with keys in sorted
// order, matching spec.md §4.2's "canonical ... sorted deterministically".
func canonicalJSON(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(fields[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// rotateIfNeededLocked performs size-based rotation. Must be called with
// l.mu held.
func (l *Log) rotateIfNeededLocked() error {
	if l.written < l.maxSize {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing active audit log for rotation: %w", err)
	}

	for i := l.rotationCount - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.path, i)
		dst := fmt.Sprintf("%s.%d", l.path, i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("rotating audit log: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening fresh audit log after rotation: %w", err)
	}
	l.file = f
	l.written = 0
	return nil
}

// Close flushes and closes the active file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// VerifyLogIntegrity reads the active log file line by line, recomputing
// the HMAC tag for each and comparing it against the appended tag.
func (l *Log) VerifyLogIntegrity() IntegrityResult {
	if !l.tamperEnabled {
		return IntegrityResult{Status: StatusDisabled}
	}

	l.mu.Lock()
	path := l.path
	key := l.tamperKey
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return IntegrityResult{Status: StatusError, Error: err.Error()}
	}

	valid, invalid := 0, 0
	lines := splitLines(data)
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		idx := lastIndexByte(line, '|')
		if idx < 0 {
			invalid++
			continue
		}
		body, tag := line[:idx], line[idx+1:]
		mac := hmac.New(sha256.New, key)
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))[:16]
		if hmac.Equal([]byte(want), tag) {
			valid++
		} else {
			invalid++
		}
	}

	status := StatusVerified
	if invalid > 0 {
		status = StatusTampered
	}
	return IntegrityResult{Status: status, ValidCount: valid, InvalidCount: invalid}
}

// ReadRecent returns up to limit of the most recent raw record lines from
// the active log file, oldest first within the returned slice. Used by the
// admin audit-read endpoint; it does not read rotated files.
func (l *Log) ReadRecent(limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	lines := splitLines(data)
	var nonEmpty []string
	for _, line := range lines {
		if len(line) > 0 {
			nonEmpty = append(nonEmpty, string(line))
		}
	}
	if len(nonEmpty) > limit {
		nonEmpty = nonEmpty[len(nonEmpty)-limit:]
	}
	return nonEmpty, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}
