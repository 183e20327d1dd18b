package security

import (
	"encoding/hex"
	"testing"
)

func TestGenerateToken(t *testing.T) {
	token := GenerateToken()
	if len(token) != 43 {
		t.Fatalf("token length = %d, want 43", len(token))
	}

	for _, ch := range token {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_'
		if !ok {
			t.Fatalf("token contains non-base64url character %q", ch)
		}
	}
}

func TestGenerateTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		token := GenerateToken()
		if seen[token] {
			t.Fatal("duplicate token generated")
		}
		seen[token] = true
	}
}

func TestHashToken(t *testing.T) {
	hash := HashToken("some-token-value")

	if len(hash) != 64 {
		t.Fatalf("hash length = %d, want 64", len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		t.Fatalf("hash is not hex: %v", err)
	}

	// Deterministic
	if HashToken("some-token-value") != hash {
		t.Fatal("hashing is not deterministic")
	}

	// Distinct inputs give distinct digests
	if HashToken("other-token-value") == hash {
		t.Fatal("different tokens hashed identically")
	}

	// Known vector: sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashToken("abc"); got != want {
		t.Fatalf("HashToken(\"abc\") = %s, want %s", got, want)
	}
}

func TestConstantTimeEquals(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "equal", a: "secret", b: "secret", want: true},
		{name: "different", a: "secret", b: "secreT", want: false},
		{name: "different lengths", a: "secret", b: "secret1", want: false},
		{name: "both empty", a: "", b: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConstantTimeEquals(tt.a, tt.b); got != tt.want {
				t.Errorf("ConstantTimeEquals(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
