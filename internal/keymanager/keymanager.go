// Package keymanager implements the hybrid classical+PQC key-exchange
// manager described in spec.md §4.3: one X25519 keypair, optionally
// combined with a Kyber768 KEM keypair, HKDF-SHA-256 derivation of the
// resulting symmetric key, and a background rotation loop that swaps in a
// fresh bundle atomically.
package keymanager

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/hkdf"

	"github.com/ghostline/ghostline/internal/telemetry"
)

const defaultSymmetricKeyInfo = "ghostline-hybrid-symmetric-key-v1"

// PublicKeys is the snapshot returned by ExportPublicKeys.
type PublicKeys struct {
	KeyID        string
	ClassicalPub [32]byte
	KEMPub       []byte
	KEMEnabled   bool
	KEMName      string
}

// bundle is one generation of key material. Bundles are swapped atomically
// so readers always observe a whole generation, never a mix (spec.md §4.3).
type bundle struct {
	keyID         string
	classicalPriv *ecdh.PrivateKey
	classicalPub  [32]byte
	kemEnabled    bool
	kemPub        kem.PublicKey
	kemPriv       kem.PrivateKey
	kemPubRaw     []byte
}

// Manager holds the active bundle behind an atomic pointer so rotation
// never blocks concurrent readers.
type Manager struct {
	active   atomic.Pointer[bundle]
	pqcWanted bool
	logger   *slog.Logger
}

// New creates a Manager with a freshly generated bundle. If pqcEnabled is
// true but KEM keypair generation fails, PQC is disabled for this bundle
// rather than failing startup (spec.md §4.3's failure policy).
func New(pqcEnabled bool, logger *slog.Logger) (*Manager, error) {
	m := &Manager{pqcWanted: pqcEnabled, logger: logger}
	b, err := generateBundle(pqcEnabled, logger)
	if err != nil {
		return nil, err
	}
	m.active.Store(b)
	return m, nil
}

func generateBundle(pqcEnabled bool, logger *slog.Logger) (*bundle, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating classical keypair: %w", err)
	}

	b := &bundle{
		keyID:         fmt.Sprintf("server_%d", time.Now().Unix()),
		classicalPriv: priv,
	}
	copy(b.classicalPub[:], priv.PublicKey().Bytes())

	if pqcEnabled {
		scheme := kyber768.Scheme()
		pub, sk, err := scheme.GenerateKeyPair()
		if err != nil {
			if logger != nil {
				logger.Warn("PQC keypair generation failed, disabling PQC for this bundle", "error", err)
			}
		} else {
			raw, err := pub.MarshalBinary()
			if err != nil {
				if logger != nil {
					logger.Warn("marshaling PQC public key failed, disabling PQC for this bundle", "error", err)
				}
			} else {
				b.kemEnabled = true
				b.kemPub = pub
				b.kemPriv = sk
				b.kemPubRaw = raw
			}
		}
	}

	return b, nil
}

// ExportPublicKeys returns a snapshot of the active bundle's public
// material.
func (m *Manager) ExportPublicKeys() PublicKeys {
	return publicKeysOf(m.active.Load())
}

// publicKeysOf snapshots a bundle's public material into a PublicKeys
// value. Used both by ExportPublicKeys and by
// DeriveSharedSecretServerSide, which must report the key_id of the exact
// bundle it derived against rather than re-reading the active pointer.
func publicKeysOf(b *bundle) PublicKeys {
	pk := PublicKeys{
		KeyID:        b.keyID,
		ClassicalPub: b.classicalPub,
		KEMEnabled:   b.kemEnabled,
	}
	if b.kemEnabled {
		pk.KEMPub = append([]byte(nil), b.kemPubRaw...)
		pk.KEMName = kyber768.Scheme().Name()
	}
	return pk
}

// DeriveSharedSecretServerSide computes the classical ECDH shared secret
// against clientClassicalPub. If the active bundle has PQC enabled and
// clientKEMPub is non-empty, it also encapsulates toward the client's KEM
// public key. Returns the concatenated combined secret, the KEM ciphertext
// (nil if PQC was not used for this exchange), and a snapshot of the exact
// bundle's public keys the derivation used — callers must use this snapshot
// rather than a separate ExportPublicKeys call, so a concurrent Rotate can
// never make the reported key_id disagree with the bundle that actually
// produced the secret (spec.md §8 property 8).
func (m *Manager) DeriveSharedSecretServerSide(clientClassicalPub [32]byte, clientKEMPub []byte) (combined []byte, kemCiphertext []byte, usedKeys PublicKeys, err error) {
	b := m.active.Load()
	usedKeys = publicKeysOf(b)

	peerPub, err := ecdh.X25519().NewPublicKey(clientClassicalPub[:])
	if err != nil {
		return nil, nil, usedKeys, fmt.Errorf("invalid client classical public key: %w", err)
	}
	classicalShared, err := b.classicalPriv.ECDH(peerPub)
	if err != nil {
		return nil, nil, usedKeys, fmt.Errorf("computing classical shared secret: %w", err)
	}

	if !b.kemEnabled || len(clientKEMPub) == 0 {
		return classicalShared, nil, usedKeys, nil
	}

	scheme := kyber768.Scheme()
	clientPub, err := scheme.UnmarshalBinaryPublicKey(clientKEMPub)
	if err != nil {
		return nil, nil, usedKeys, fmt.Errorf("invalid client KEM public key: %w", err)
	}
	ct, kemShared, err := scheme.Encapsulate(clientPub)
	if err != nil {
		return nil, nil, usedKeys, fmt.Errorf("KEM encapsulate: %w", err)
	}

	combined = append(append([]byte(nil), classicalShared...), kemShared...)
	return combined, ct, usedKeys, nil
}

// DeriveSymmetricKey runs HKDF-SHA-256 extract-and-expand over combined
// with an absent (zero) salt and the given info, producing length bytes.
// If info is empty the fixed domain-separation string is used.
func DeriveSymmetricKey(combined []byte, info string, length int) ([]byte, error) {
	if info == "" {
		info = defaultSymmetricKeyInfo
	}
	r := hkdf.New(sha256.New, combined, nil, []byte(info))
	out := make([]byte, length)
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("deriving symmetric key: %w", err)
	}
	return out, nil
}

// GenerateSession returns a fresh random 32-byte key for non-hybrid paths.
// The manager does not retain it.
func GenerateSession() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	return key, nil
}

// Rotate atomically replaces the active bundle with a freshly generated
// one, re-attempting PQC if it was requested at construction time even if
// a previous bundle had it disabled.
func (m *Manager) Rotate() error {
	b, err := generateBundle(m.pqcWanted, m.logger)
	if err != nil {
		return err
	}
	m.active.Store(b)
	telemetry.KeyRotationsTotal.Inc()
	if m.logger != nil {
		m.logger.Info("key bundle rotated", "key_id", b.keyID, "kem_enabled", b.kemEnabled)
	}
	return nil
}

// RotateOnDemand forces an immediate rotation outside the regular
// interval, for operator-triggered key compromise response.
func (m *Manager) RotateOnDemand() error {
	return m.Rotate()
}

// Rotator runs the periodic rotation loop.
type Rotator struct {
	mgr      *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewRotator creates a background rotator waking every interval (default 1
// hour per spec.md §4.3).
func NewRotator(mgr *Manager, interval time.Duration, logger *slog.Logger) *Rotator {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Rotator{mgr: mgr, interval: interval, logger: logger}
}

// Run blocks, rotating the key bundle on each tick, until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.mgr.Rotate(); err != nil && r.logger != nil {
				r.logger.Error("key rotation failed", "error", err)
			}
		}
	}
}
