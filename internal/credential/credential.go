// Package credential generates and validates developer API key/secret pairs.
//
// Keys are public identifiers of the form pk_{live|test}_<32 alphanumerics>.
// Secrets have the form sk_{live|test}_<48 alphanumerics> and are only ever
// persisted as a one-way hash.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/robotpdf/devkeys/internal/encryption"
)

// Environment tags a credential pair as production or sandbox.
type Environment string

const (
	// EnvironmentLive marks production credentials.
	EnvironmentLive Environment = "live"
	// EnvironmentTest marks sandbox credentials.
	EnvironmentTest Environment = "test"
)

const (
	// KeyPrefix is the public key prefix before the environment tag.
	KeyPrefix = "pk_"
	// SecretPrefix is the secret prefix before the environment tag.
	SecretPrefix = "sk_"

	// KeyBodyLength is the number of random characters in an API key.
	KeyBodyLength = 32
	// SecretBodyLength is the number of random characters in an API secret.
	SecretBodyLength = 48

	// KeyRegexPattern matches a well-formed API key.
	KeyRegexPattern = `^pk_(live|test)_[A-Za-z0-9]{32}$`
	// SecretRegexPattern matches a well-formed API secret.
	SecretRegexPattern = `^sk_(live|test)_[A-Za-z0-9]{48}$`
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var (
	// KeyRegex is the compiled API key pattern.
	KeyRegex = regexp.MustCompile(KeyRegexPattern)
	// SecretRegex is the compiled API secret pattern.
	SecretRegex = regexp.MustCompile(SecretRegexPattern)

	// ErrInvalidEnvironment is returned for anything other than live or test.
	ErrInvalidEnvironment = errors.New("environment must be live or test")

	defaultHasher = encryption.NewSHA256Hasher()
)

// ParseEnvironment converts a user-supplied string into an Environment.
// An empty string yields EnvironmentLive.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case "", EnvironmentLive:
		return EnvironmentLive, nil
	case EnvironmentTest:
		return EnvironmentTest, nil
	default:
		return "", ErrInvalidEnvironment
	}
}

// GenerateKeyPair returns a fresh API key and API secret for env.
func GenerateKeyPair(env Environment) (string, string, error) {
	if env != EnvironmentLive && env != EnvironmentTest {
		return "", "", ErrInvalidEnvironment
	}
	keyBody, err := randomString(KeyBodyLength)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}
	secretBody, err := randomString(SecretBodyLength)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate api secret: %w", err)
	}
	apiKey := KeyPrefix + string(env) + "_" + keyBody
	apiSecret := SecretPrefix + string(env) + "_" + secretBody
	return apiKey, apiSecret, nil
}

// GenerateSecret returns a fresh API secret for env, used when rotating.
func GenerateSecret(env Environment) (string, error) {
	if env != EnvironmentLive && env != EnvironmentTest {
		return "", ErrInvalidEnvironment
	}
	body, err := randomString(SecretBodyLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate api secret: %w", err)
	}
	return SecretPrefix + string(env) + "_" + body, nil
}

// randomString draws n characters from alphabet using rejection sampling so that
// every character is uniformly distributed. At least n random bytes are consumed.
func randomString(n int) (string, error) {
	const maxByte = 256 - (256 % len(alphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// IsValidKeyFormat reports whether s looks like an API key.
func IsValidKeyFormat(s string) bool {
	if len(s) != len(KeyPrefix)+len("live_")+KeyBodyLength {
		return false
	}
	return KeyRegex.MatchString(s)
}

// IsValidSecretFormat reports whether s looks like an API secret.
func IsValidSecretFormat(s string) bool {
	if len(s) != len(SecretPrefix)+len("live_")+SecretBodyLength {
		return false
	}
	return SecretRegex.MatchString(s)
}

// EnvironmentOf returns the environment tag embedded in a key or secret.
func EnvironmentOf(s string) (Environment, bool) {
	for _, prefix := range []string{KeyPrefix, SecretPrefix} {
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		rest := s[len(prefix):]
		switch {
		case strings.HasPrefix(rest, string(EnvironmentLive)+"_"):
			return EnvironmentLive, true
		case strings.HasPrefix(rest, string(EnvironmentTest)+"_"):
			return EnvironmentTest, true
		}
	}
	return "", false
}

// HashSecret returns the hex SHA-256 digest of secret.
func HashSecret(secret string) string {
	h, _ := defaultHasher.Hash(secret)
	return h
}

// VerifySecret compares candidate against storedHash in constant time.
func VerifySecret(candidate, storedHash string) bool {
	return defaultHasher.Verify(candidate, storedHash)
}
