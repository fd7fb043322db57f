package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testSecret = "mg_testsecret1234567890"

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(testSecret)
	if err != nil {
		t.Fatalf("NewGate() error: %v", err)
	}
	return g
}

// --- Gate tests ---

func TestNewGate_EmptySecret(t *testing.T) {
	if _, err := NewGate(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestValidate(t *testing.T) {
	g := newTestGate(t)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"valid", testSecret, nil},
		{"missing", "", ErrMissingCredential},
		{"wrong", "mg_wrong", ErrInvalidCredential},
		{"prefix of secret", testSecret[:10], ErrInvalidCredential},
		{"secret with suffix", testSecret + "x", ErrInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := g.Validate(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && id.Fingerprint != Fingerprint(testSecret) {
				t.Errorf("unexpected fingerprint %q", id.Fingerprint)
			}
		})
	}
}

// --- Fingerprint tests ---

func TestFingerprint_Deterministic(t *testing.T) {
	if Fingerprint("abc") != Fingerprint("abc") {
		t.Error("Fingerprint should be deterministic")
	}
}

func TestFingerprint_DifferentInputs(t *testing.T) {
	if Fingerprint("mg_key_aaa") == Fingerprint("mg_key_bbb") {
		t.Error("different keys should produce different fingerprints")
	}
}

func TestFingerprint_Length(t *testing.T) {
	// BLAKE2b-256 produces 64 hex characters
	if got := len(Fingerprint("anything")); got != 64 {
		t.Errorf("expected fingerprint length 64, got %d", got)
	}
}

func TestFingerprint_DoesNotContainSecret(t *testing.T) {
	if strings.Contains(Fingerprint(testSecret), testSecret) {
		t.Error("fingerprint must not embed the secret")
	}
}

// --- GenerateSecret tests ---

func TestGenerateSecret_PrefixAndLength(t *testing.T) {
	s, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error: %v", err)
	}
	if !strings.HasPrefix(s, "mg_") {
		t.Errorf("secret should start with 'mg_', got %q", s)
	}
	// "mg_" (3) + 43 random chars = 46
	if len(s) != 46 {
		t.Errorf("expected secret length 46, got %d", len(s))
	}
}

func TestGenerateSecret_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := GenerateSecret()
		if err != nil {
			t.Fatalf("GenerateSecret() error: %v", err)
		}
		if seen[s] {
			t.Fatalf("duplicate secret generated: %s", s)
		}
		seen[s] = true
	}
}

// --- Context helpers tests ---

func TestIdentityContext_RoundTrip(t *testing.T) {
	id := &Identity{Fingerprint: "fp"}
	got := IdentityFromContext(ContextWithIdentity(context.Background(), id))
	if got == nil || got.Fingerprint != "fp" {
		t.Fatalf("expected identity from context, got %+v", got)
	}
}

func TestIdentityFromContext_Empty(t *testing.T) {
	if got := IdentityFromContext(context.Background()); got != nil {
		t.Errorf("expected nil from empty context, got %+v", got)
	}
}

// --- BearerToken tests ---

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"abc", "abc"},
		{"Basic abc", "Basic abc"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := BearerToken(req); got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

// --- Middleware tests ---

func TestMiddleware(t *testing.T) {
	g := newTestGate(t)

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantCode   string
	}{
		{"valid bearer", "Bearer " + testSecret, http.StatusOK, ""},
		{"lowercase scheme", "bearer " + testSecret, http.StatusOK, ""},
		{"bare token", testSecret, http.StatusOK, ""},
		{"missing header", "", http.StatusUnauthorized, "missing_credential"},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, "invalid_credential"},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, "missing_credential"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotIdentity *Identity
			var failures []error
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotIdentity = IdentityFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})
			handler := Middleware(g, func(err error) { failures = append(failures, err) })(inner)

			req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}

			if tt.wantStatus == http.StatusOK {
				if gotIdentity == nil {
					t.Fatal("expected identity in context")
				}
				return
			}

			if len(failures) != 1 {
				t.Errorf("expected one failure callback, got %d", len(failures))
			}
			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("expected error code %q, got %q", tt.wantCode, body.Error.Code)
			}
		})
	}
}
