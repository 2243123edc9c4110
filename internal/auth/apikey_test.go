package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateAPIKeyRoundTrip(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if key == "" || hash == "" {
		t.Fatal("expected non-empty key and hash")
	}
	if !strings.HasPrefix(hash, "pbkdf2$sha256$") {
		t.Fatalf("unexpected hash format %q", hash)
	}
	if err := VerifyAPIKey(hash, key); err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
}

func TestVerifyAPIKeyRejectsWrongKey(t *testing.T) {
	_, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if err := VerifyAPIKey(hash, "not-the-key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestVerifyAPIKeyRejectsMalformedHash(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"pbkdf2$sha256$abc",
		"bcrypt$sha256$120000$c2FsdA$a2V5",
		"pbkdf2$md5$120000$c2FsdA$a2V5",
		"pbkdf2$sha256$0$c2FsdA$a2V5",
		"pbkdf2$sha256$120000$!!$a2V5",
	}
	for _, hash := range cases {
		err := VerifyAPIKey(hash, "anything")
		if err == nil {
			t.Fatalf("expected error for hash %q", hash)
		}
		if errors.Is(err, ErrInvalidAPIKey) {
			t.Fatalf("malformed hash %q must not map to the mismatch error", hash)
		}
	}
}

func TestHashAPIKeyUniqueSalt(t *testing.T) {
	first, err := HashAPIKey("same-key")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	second, err := HashAPIKey("same-key")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct salts to produce distinct hashes")
	}
	if err := VerifyAPIKey(first, "same-key"); err != nil {
		t.Fatalf("first hash should verify: %v", err)
	}
	if err := VerifyAPIKey(second, "same-key"); err != nil {
		t.Fatalf("second hash should verify: %v", err)
	}
}
