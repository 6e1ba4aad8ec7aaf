package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("Abcdefg1")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=2,p=1$") {
		t.Fatalf("unexpected encoding: %s", hash)
	}
	if !VerifyPassword("Abcdefg1", hash) {
		t.Fatalf("expected password to verify")
	}
	if VerifyPassword("Abcdefg2", hash) {
		t.Fatalf("wrong password verified")
	}

	other, err := HashPassword("Abcdefg1")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if other == hash {
		t.Fatalf("expected distinct salts")
	}
}

func TestVerifyPasswordLegacyBcrypt(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("Legacy123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if !VerifyPassword("Legacy123", string(legacy)) {
		t.Fatalf("expected bcrypt hash to verify")
	}
	if VerifyPassword("legacy123", string(legacy)) {
		t.Fatalf("wrong password verified against bcrypt hash")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	cases := []string{
		"",
		"plain",
		"$argon2id$",
		"$argon2id$v=19$m=65536,t=2,p=1$!!!$abcd",
		"$argon2id$v=18$m=65536,t=2,p=1$c2FsdHNhbHQ$aGFzaGhhc2g",
		"$argon2id$v=19$m=0,t=2,p=1$c2FsdHNhbHQ$aGFzaGhhc2g",
		"$argon2id$v=19$m=65536,t=2,p=0$c2FsdHNhbHQ$aGFzaGhhc2g",
		"$argon2i$v=19$m=65536,t=2,p=1$c2FsdHNhbHQ$aGFzaGhhc2g",
		"$2b$not-a-bcrypt-hash",
	}
	for _, c := range cases {
		if VerifyPassword("Abcdefg1", c) {
			t.Fatalf("malformed hash %q verified", c)
		}
	}
}

func TestValidatePasswordStrength(t *testing.T) {
	cases := map[string]string{
		"abc":       "at least 8",
		"abcdefg1":  "uppercase",
		"ABCDEFG1":  "lowercase",
		"Abcdefgh":  "digit",
		"Abcdefg1":  "",
		"Пароль123": "",
	}
	for input, wantReason := range cases {
		err := ValidatePasswordStrength(input)
		if wantReason == "" {
			if err != nil {
				t.Fatalf("ValidatePasswordStrength(%q) = %v, want nil", input, err)
			}
			continue
		}
		if !errors.Is(err, ErrWeakPassword) {
			t.Fatalf("ValidatePasswordStrength(%q) = %v, want weak password", input, err)
		}
		var weak *WeakPasswordError
		if !errors.As(err, &weak) || !strings.Contains(weak.Reason, wantReason) {
			t.Fatalf("ValidatePasswordStrength(%q) reason = %v, want %q", input, err, wantReason)
		}
	}
}
