package codec

import (
	"encoding/base64"
	"strings"
	"testing"
)

type testPayload struct {
	AccessToken string         `json:"access_token"`
	UserID      string         `json:"user_id,omitempty"`
	Level       int            `json:"level,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload testPayload
		secret  string
	}{
		{
			name:    "minimal payload",
			payload: testPayload{AccessToken: "at"},
			secret:  "s3cret",
		},
		{
			name: "full payload",
			payload: testPayload{
				AccessToken: "access-token-value",
				UserID:      "user-1234",
				Level:       1,
				Extra:       map[string]any{"feature": "enabled"},
			},
			secret: "a much longer secret with spaces and unicode ✓",
		},
		{
			name:    "payload with separator-like content",
			payload: testPayload{AccessToken: "a--b.c--d"},
			secret:  "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := Encrypt(tt.payload, tt.secret)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			var got testPayload
			if !Decrypt(token, tt.secret, &got) {
				t.Fatal("Decrypt() returned false for freshly encrypted token")
			}
			if got.AccessToken != tt.payload.AccessToken ||
				got.UserID != tt.payload.UserID ||
				got.Level != tt.payload.Level {
				t.Errorf("Decrypt() = %+v, want %+v", got, tt.payload)
			}
		})
	}
}

func TestEncryptProducesUniqueTokens(t *testing.T) {
	p := testPayload{AccessToken: "at"}

	first, err := Encrypt(p, "secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := Encrypt(p, "secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if first == second {
		t.Error("Encrypt() produced identical tokens for two calls; salt or nonce is not random")
	}
}

func TestDecryptWrongSecret(t *testing.T) {
	token, err := Encrypt(testPayload{AccessToken: "at"}, "secret-one")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	var got testPayload
	if Decrypt(token, "secret-two", &got) {
		t.Error("Decrypt() succeeded with the wrong secret")
	}
}

func TestDecryptTamperedToken(t *testing.T) {
	token, err := Encrypt(testPayload{AccessToken: "at", UserID: "u1"}, "secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	parts := strings.Split(token, partSeparator)
	if len(parts) != 2 {
		t.Fatalf("token does not split into two parts: %q", token)
	}

	// Flip every byte of the salt and of the sealed payload in turn; any
	// single-byte mutation must cause Decrypt to report no session.
	for partIdx, part := range parts {
		raw, err := base64.RawURLEncoding.DecodeString(part)
		if err != nil {
			t.Fatalf("part %d is not base64url: %v", partIdx, err)
		}

		for i := range raw {
			mutated := make([]byte, len(raw))
			copy(mutated, raw)
			mutated[i] ^= 0x01

			rebuilt := make([]string, 2)
			copy(rebuilt, parts)
			rebuilt[partIdx] = base64.RawURLEncoding.EncodeToString(mutated)

			var got testPayload
			if Decrypt(strings.Join(rebuilt, partSeparator), "secret", &got) {
				t.Fatalf("Decrypt() succeeded after flipping byte %d of part %d", i, partIdx)
			}
		}
	}
}

func TestDecryptMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"no separator", "YWJjZGVm"},
		{"too many parts", "YQ--YQ--YQ"},
		{"invalid base64 salt", "!!!--YWJjZGVm"},
		{"invalid base64 ciphertext", "YWJjZGVmYWJjZGVmYWJjZGVm--!!!"},
		{"salt wrong length", "YWJj--YWJjZGVmYWJjZGVmYWJjZGVmYWJjZGVm"},
		{"ciphertext shorter than nonce", "YWJjZGVmYWJjZGVmYWJjZGVm--YQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got testPayload
			if Decrypt(tt.token, "secret", &got) {
				t.Errorf("Decrypt(%q) returned true, want false", tt.token)
			}
		})
	}
}

func TestDecodeLegacy(t *testing.T) {
	b64 := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	b64Padded := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name        string
		token       string
		wantAccess  string
		wantRefresh string
		wantOK      bool
	}{
		{
			name:        "well formed",
			token:       b64("access-token") + "." + b64("refresh-token"),
			wantAccess:  "access-token",
			wantRefresh: "refresh-token",
			wantOK:      true,
		},
		{
			name:        "padded base64url",
			token:       b64Padded("legacy-access") + "." + b64Padded("legacy-refresh"),
			wantAccess:  "legacy-access",
			wantRefresh: "legacy-refresh",
			wantOK:      true,
		},
		{
			name:        "mixed padding",
			token:       b64("access-token") + "." + b64Padded("legacy-refresh"),
			wantAccess:  "access-token",
			wantRefresh: "legacy-refresh",
			wantOK:      true,
		},
		{"empty", "", "", "", false},
		{"one segment", b64("access-token"), "", "", false},
		{"three segments", b64("a") + "." + b64("b") + "." + b64("c"), "", "", false},
		{"invalid base64 access", "!!!." + b64("refresh"), "", "", false},
		{"invalid base64 refresh", b64("access") + ".!!!", "", "", false},
		{"empty segments", ".", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			access, refresh, ok := DecodeLegacy(tt.token)
			if ok != tt.wantOK {
				t.Fatalf("DecodeLegacy() ok = %v, want %v", ok, tt.wantOK)
			}
			if access != tt.wantAccess || refresh != tt.wantRefresh {
				t.Errorf("DecodeLegacy() = (%q, %q), want (%q, %q)",
					access, refresh, tt.wantAccess, tt.wantRefresh)
			}
		})
	}
}
