// Package encryption provides one-way hashing for developer API secrets.
// SHA-256 digests are the default since secrets carry their own entropy;
// bcrypt is available when a slow hash is wanted as well.
package encryption

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptPrefix marks stored values produced by BcryptHasher.
	BcryptPrefix = "bcrypt:v1:"

	// DefaultBcryptCost is the default cost parameter for bcrypt.
	DefaultBcryptCost = 10

	// AlgorithmSHA256 selects SHA256Hasher.
	AlgorithmSHA256 = "sha256"
	// AlgorithmBcrypt selects BcryptHasher.
	AlgorithmBcrypt = "bcrypt"
)

var (
	// ErrEmptySecret is returned when hashing an empty value.
	ErrEmptySecret = errors.New("secret cannot be empty")

	// ErrUnknownAlgorithm is returned by NewSecretHasher for unsupported names.
	ErrUnknownAlgorithm = errors.New("unknown secret hash algorithm")
)

// SecretHasher hashes secrets for storage and verifies candidates against stored hashes.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Verify(candidate, storedHash string) bool
}

// NewSecretHasher returns the hasher for algorithm. cost is only used for bcrypt.
func NewSecretHasher(algorithm string, cost int) (SecretHasher, error) {
	switch strings.ToLower(algorithm) {
	case "", AlgorithmSHA256:
		return NewSHA256Hasher(), nil
	case AlgorithmBcrypt:
		return NewBcryptHasher(cost)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}
}

// SHA256Hasher stores the hex SHA-256 digest of the secret.
// Verify also accepts bcrypt-prefixed hashes so stores can hold a mix of both.
type SHA256Hasher struct{}

// NewSHA256Hasher creates a SHA256Hasher.
func NewSHA256Hasher() *SHA256Hasher {
	return &SHA256Hasher{}
}

// Hash returns the lowercase hex digest of secret.
func (h *SHA256Hasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	return digest(secret), nil
}

// Verify recomputes the digest of candidate and compares it with
// subtle.ConstantTimeCompare, which returns 0 on length mismatch without
// revealing where the inputs differ.
func (h *SHA256Hasher) Verify(candidate, storedHash string) bool {
	if strings.HasPrefix(storedHash, BcryptPrefix) {
		return verifyBcrypt(candidate, storedHash)
	}
	computed := digest(candidate)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// BcryptHasher stores a bcrypt hash of the SHA-256 pre-hash of the secret.
// The pre-hash keeps the input under bcrypt's 72-byte limit.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a BcryptHasher. A zero cost selects DefaultBcryptCost.
func NewBcryptHasher(cost int) (*BcryptHasher, error) {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &BcryptHasher{cost: cost}, nil
}

// Hash returns BcryptPrefix followed by the bcrypt hash.
func (h *BcryptHasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	hash, err := bcrypt.GenerateFromPassword(prehash(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return BcryptPrefix + string(hash), nil
}

// Verify checks candidate against a bcrypt hash, falling back to digest
// comparison for hashes written by SHA256Hasher.
func (h *BcryptHasher) Verify(candidate, storedHash string) bool {
	if !strings.HasPrefix(storedHash, BcryptPrefix) {
		return NewSHA256Hasher().Verify(candidate, storedHash)
	}
	return verifyBcrypt(candidate, storedHash)
}

func verifyBcrypt(candidate, storedHash string) bool {
	if candidate == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(storedHash[len(BcryptPrefix):]), prehash(candidate))
	return err == nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func prehash(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum[:])
	return out
}

// Compile-time interface checks
var (
	_ SecretHasher = (*SHA256Hasher)(nil)
	_ SecretHasher = (*BcryptHasher)(nil)
)
