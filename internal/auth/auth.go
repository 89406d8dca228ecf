// Package auth generates and verifies the bearer API keys that guard the
// HTTP API.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	servicePrefix = "orphanfinder"
	prefixLength  = 12
	secretBytes   = 32
)

var ErrInvalidKeyFormat = errors.New("invalid API key format")

// GenerateAPIKey returns a new key of the form orphanfinder_<prefix>_<secret>
// together with its prefix and the SHA-256 of the secret.
func GenerateAPIKey() (displayKey string, prefix string, hash []byte, err error) {
	prefixBytes := make([]byte, prefixLength)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", nil, err
	}
	for i := range prefixBytes {
		prefixBytes[i] = alphanumeric[int(prefixBytes[i])%len(alphanumeric)]
	}
	prefix = string(prefixBytes)

	secretRaw := make([]byte, secretBytes)
	if _, err := rand.Read(secretRaw); err != nil {
		return "", "", nil, err
	}
	secret := encodeBase62(secretRaw)

	displayKey = servicePrefix + "_" + prefix + "_" + secret
	hash = HashSecret(secret)

	return displayKey, prefix, hash, nil
}

func HashSecret(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return h[:]
}

func VerifyAPIKey(displayKey string, storedHash []byte) bool {
	prefix, secret, err := ParseAPIKey(displayKey)
	if err != nil || prefix == "" {
		return false
	}
	computedHash := HashSecret(secret)
	return subtle.ConstantTimeCompare(computedHash, storedHash) == 1
}

func ParseAPIKey(displayKey string) (prefix string, secret string, err error) {
	// Format: orphanfinder_<prefix>_<secret>
	if !strings.HasPrefix(displayKey, servicePrefix+"_") {
		return "", "", ErrInvalidKeyFormat
	}
	rest := strings.TrimPrefix(displayKey, servicePrefix+"_")
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return "", "", ErrInvalidKeyFormat
	}
	if len(parts[0]) != prefixLength {
		return "", "", ErrInvalidKeyFormat
	}
	for _, c := range parts[0] {
		if !isAlphanumeric(c) {
			return "", "", ErrInvalidKeyFormat
		}
	}
	return parts[0], parts[1], nil
}

// Verifier accepts exactly one configured key. Only the prefix and the
// secret's hash are retained.
type Verifier struct {
	prefix string
	hash   []byte
}

// NewVerifier builds a Verifier for a full display key.
func NewVerifier(displayKey string) (*Verifier, error) {
	prefix, secret, err := ParseAPIKey(displayKey)
	if err != nil {
		return nil, err
	}
	return &Verifier{prefix: prefix, hash: HashSecret(secret)}, nil
}

// NewVerifierFromHash builds a Verifier from a key prefix and the
// hex-encoded SHA-256 of its secret, as printed by keygen.
func NewVerifierFromHash(prefix, hexHash string) (*Verifier, error) {
	if len(prefix) != prefixLength || strings.IndexFunc(prefix, func(c rune) bool { return !isAlphanumeric(c) }) >= 0 {
		return nil, ErrInvalidKeyFormat
	}
	hash, err := hex.DecodeString(hexHash)
	if err != nil || len(hash) != sha256.Size {
		return nil, fmt.Errorf("%w: key hash must be %d hex-encoded bytes", ErrInvalidKeyFormat, sha256.Size)
	}
	return &Verifier{prefix: prefix, hash: hash}, nil
}

// Verify reports whether displayKey matches the configured key.
func (v *Verifier) Verify(displayKey string) bool {
	prefix, _, err := ParseAPIKey(displayKey)
	if err != nil || subtle.ConstantTimeCompare([]byte(prefix), []byte(v.prefix)) != 1 {
		return false
	}
	return VerifyAPIKey(displayKey, v.hash)
}

// Prefix returns the public key prefix, safe to log.
func (v *Verifier) Prefix() string { return v.prefix }

var alphanumeric = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

// base62Alphabet includes A-Za-z0-9 (no special characters)
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func encodeBase62(data []byte) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(62)
	zero := big.NewInt(0)
	var result []byte

	for num.Cmp(zero) > 0 {
		mod := new(big.Int)
		num.DivMod(num, base, mod)
		result = append([]byte{base62Alphabet[mod.Int64()]}, result...)
	}

	// Preserve leading zeros
	for _, b := range data {
		if b != 0 {
			break
		}
		result = append([]byte{'0'}, result...)
	}

	if len(result) == 0 {
		return "0"
	}
	return string(result)
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
