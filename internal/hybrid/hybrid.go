// Package hybrid implements the hybrid key-exchange AEAD path described
// in spec.md §4.8: AES-GCM with a fresh 12-byte nonce, associated data
// binding the token, key id, padded size, and destination count.
package hybrid

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"strconv"
)

const nonceSize = 12

// AssociatedData builds the AEAD associated-data string binding
// token|key_id|padded_size|dest_count, per spec.md §4.8.
func AssociatedData(token, keyID string, paddedSize, destCount int64) []byte {
	return []byte(token + "|" + keyID + "|" +
		strconv.FormatInt(paddedSize, 10) + "|" + strconv.FormatInt(destCount, 10))
}

// Seal AES-GCM-encrypts plaintext under key with a freshly generated
// 12-byte nonce, returning nonce||ciphertext (ciphertext includes the
// GCM tag).
func Seal(key, plaintext, associatedData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("constructing GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, associatedData)
	return append(nonce, sealed...), nil
}

// Open reverses Seal: splits the leading nonce from ciphertext and
// AES-GCM-decrypts the remainder under key with associatedData.
func Open(key, nonceAndCiphertext, associatedData []byte) ([]byte, error) {
	if len(nonceAndCiphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext shorter than nonce size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("constructing GCM: %w", err)
	}

	nonce := nonceAndCiphertext[:nonceSize]
	ciphertext := nonceAndCiphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, associatedData)
}
