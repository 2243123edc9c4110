// Package auth implements API key generation and verification for the
// management endpoints.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	apiKeyLength        = 24
	apiKeySaltLength    = 16
	apiKeyHashKeyLength = 32
	apiKeyIterations    = 120000
)

// ErrInvalidAPIKey is returned when a presented key does not match the
// configured hash.
var ErrInvalidAPIKey = errors.New("invalid api key")

// GenerateAPIKey returns a fresh random key together with its stored hash.
func GenerateAPIKey() (key, hash string, err error) {
	raw := make([]byte, apiKeyLength)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = hex.EncodeToString(raw)
	hash, err = HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// HashAPIKey derives the storable hash for a key. The encoded form carries
// the algorithm, iteration count, salt, and derived key so parameters can be
// raised later without invalidating existing hashes.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key is required")
	}
	salt := make([]byte, apiKeySaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, apiKeyIterations, apiKeyHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", apiKeyIterations, encodedSalt, encodedKey), nil
}

// VerifyAPIKey checks a presented key against a stored hash in constant time.
func VerifyAPIKey(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify api key: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify api key: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify api key: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify api key: decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify api key: decode key: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(expected), sha256.New)
	if subtle.ConstantTimeCompare(derived, expected) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
