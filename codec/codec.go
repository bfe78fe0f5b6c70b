// Package codec seals session payloads into opaque, header-safe strings using
// authenticated encryption, and opens them again. A token only opens with the
// exact secret that sealed it; anything else reads as "no session".
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// saltSize is the length of the random per-token salt in bytes.
	saltSize = 16

	// keySize is the derived key length for AES-256.
	keySize = 32

	// partSeparator joins the encoded salt and ciphertext. Both sides are
	// base64url, so the separator can never appear inside a part.
	partSeparator = "--"

	// scrypt work parameters. These match the interactive-login preset
	// recommended by the scrypt paper and must not change without a token
	// version bump, since existing tokens would stop decrypting.
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// Encrypt seals the JSON serialization of payload with a key derived from
// secret and a fresh random salt. The result is URL- and header-safe.
//
// The output format is base64url(salt) + "--" + base64url(nonce||ciphertext),
// with the nonce prepended to the GCM ciphertext.
func Encrypt(payload any, secret string) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := aead(secret, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal prepends the nonce by using the nonce slice as destination,
	// producing the wire format: [nonce][ciphertext].
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(salt) + partSeparator + enc.EncodeToString(ciphertext), nil
}

// Decrypt opens a token produced by Encrypt and unmarshals the payload into v.
// It reports false, and never an error, when the token is blank, malformed,
// tampered with, or sealed with a different secret. A malformed session header
// is an expected condition, not an anomaly.
func Decrypt(token, secret string, v any) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}

	parts := strings.Split(token, partSeparator)
	if len(parts) != 2 {
		return false
	}

	enc := base64.RawURLEncoding
	salt, err := enc.DecodeString(parts[0])
	if err != nil || len(salt) != saltSize {
		return false
	}
	sealed, err := enc.DecodeString(parts[1])
	if err != nil {
		return false
	}

	gcm, err := aead(secret, salt)
	if err != nil {
		return false
	}
	if len(sealed) < gcm.NonceSize() {
		return false
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return false
	}

	return json.Unmarshal(plaintext, v) == nil
}

// DecodeLegacy interprets a token in the retired two-segment format:
// base64url(access_token) + "." + base64url(refresh_token). The format carries
// no integrity or expiry protection and is accepted only after Decrypt has
// failed. Malformed input reports false.
func DecodeLegacy(token string) (accessToken, refreshToken string, ok bool) {
	if strings.TrimSpace(token) == "" {
		return "", "", false
	}

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", "", false
	}

	access, ok := decodeLegacySegment(parts[0])
	if !ok {
		return "", "", false
	}
	refresh, ok := decodeLegacySegment(parts[1])
	if !ok {
		return "", "", false
	}

	return access, refresh, true
}

// decodeLegacySegment decodes one base64url segment. Legacy issuers produced
// both padded and unpadded encodings, so both are accepted.
func decodeLegacySegment(segment string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(segment)
	}
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

// aead derives a per-token key from secret and salt and wraps it in AES-GCM.
func aead(secret string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}
