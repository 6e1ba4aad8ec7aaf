package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16

	// upper bounds accepted when decoding a stored hash
	maxArgonMemory  = 1024 * 1024
	maxArgonTime    = 16
	maxArgonKeySize = 128

	minPasswordLength = 8
)

// HashPassword derives an Argon2id hash encoded in PHC string format.
func HashPassword(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(secret), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword reports whether secret matches the stored hash. Argon2id PHC
// strings and legacy bcrypt hashes are accepted; anything unparseable is a mismatch.
func VerifyPassword(secret, encoded string) bool {
	if isBcryptHash(encoded) {
		return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(secret)) == nil
	}
	p, salt, want, ok := decodePHC(encoded)
	if !ok {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
}

func decodePHC(encoded string) (argonParams, []byte, []byte, bool) {
	var p argonParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, false
	}
	var threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &threads); err != nil {
		return p, nil, nil, false
	}
	if p.memory == 0 || p.memory > maxArgonMemory || p.time == 0 || p.time > maxArgonTime || threads == 0 || threads > 255 {
		return p, nil, nil, false
	}
	p.threads = uint8(threads)
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 || len(hash) > maxArgonKeySize {
		return p, nil, nil, false
	}
	return p, salt, hash, true
}

func isBcryptHash(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

// ValidatePasswordStrength enforces the minimum password policy.
func ValidatePasswordStrength(secret string) error {
	if utf8.RuneCountInString(secret) < minPasswordLength {
		return &WeakPasswordError{Reason: fmt.Sprintf("must be at least %d characters long", minPasswordLength)}
	}
	var upper, lower, digit bool
	for _, r := range secret {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	switch {
	case !upper:
		return &WeakPasswordError{Reason: "must contain an uppercase letter"}
	case !lower:
		return &WeakPasswordError{Reason: "must contain a lowercase letter"}
	case !digit:
		return &WeakPasswordError{Reason: "must contain a digit"}
	}
	return nil
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// burnVerification spends one hash verification so unknown accounts cost the
// same as known ones.
func burnVerification(secret string) {
	dummyOnce.Do(func() {
		h, err := HashPassword("tenantguard-dummy-secret")
		if err == nil {
			dummyHash = h
		}
	})
	_ = VerifyPassword(secret, dummyHash)
}
