package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testAuthenticator() *Authenticator {
	return New(Config{
		APIKeys:       map[string]string{"secret-key-1": "team-a", "secret-key-2": "team-b"},
		JWTSecret:     []byte("test-secret"),
		RatePerSecond: rate.Limit(2),
		RateBurst:     2,
	})
}

func TestGenerateAPIKeyProducesDistinctValues(t *testing.T) {
	k1, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	k2, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if k1 == k2 {
		t.Error("expected two distinct generated keys")
	}
	if k1 == "" {
		t.Error("expected a non-empty key")
	}
}

func TestMiddlewareRejectsMissingAndInvalidKeys(t *testing.T) {
	a := testAuthenticator()
	called := false
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest("POST", "/api/v1/ask", nil)
	w := httptest.NewRecorder()
	h(w, req)
	if called || w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: called=%v code=%d", called, w.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/ask", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-key")
	w = httptest.NewRecorder()
	h(w, req)
	if called || w.Code != http.StatusUnauthorized {
		t.Fatalf("invalid key: called=%v code=%d", called, w.Code)
	}
}

func TestMiddlewareAcceptsValidKeyAndSetsContext(t *testing.T) {
	a := testAuthenticator()
	var gotKeyID string
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		gotKeyID = KeyIDFromContext(r)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/api/v1/ask", nil)
	req.Header.Set("Authorization", "Bearer secret-key-1")
	w := httptest.NewRecorder()
	h(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d, want 200", w.Code)
	}
	if gotKeyID != "team-a" {
		t.Errorf("KeyIDFromContext() = %q, want team-a", gotKeyID)
	}
}

func TestMiddlewareEnforcesPerKeyRateLimit(t *testing.T) {
	a := testAuthenticator()
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := func() *http.Request {
		r := httptest.NewRequest("POST", "/api/v1/ask", nil)
		r.Header.Set("Authorization", "Bearer secret-key-1")
		return r
	}

	// burst of 2 allowed immediately
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h(w, req())
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: Code = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	h(w, req())
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Code = %d, want 429", w.Code)
	}

	// a different key has its own independent bucket
	req2 := httptest.NewRequest("POST", "/api/v1/ask", nil)
	req2.Header.Set("Authorization", "Bearer secret-key-2")
	w2 := httptest.NewRecorder()
	h(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("other key Code = %d, want 200", w2.Code)
	}
}

func TestIssueAndValidateDebugToken(t *testing.T) {
	a := testAuthenticator()

	token, err := a.IssueDebugToken("team-a")
	if err != nil {
		t.Fatalf("IssueDebugToken() error = %v", err)
	}

	keyID, err := a.ValidateDebugToken(token)
	if err != nil {
		t.Fatalf("ValidateDebugToken() error = %v", err)
	}
	if keyID != "team-a" {
		t.Errorf("KeyID = %q, want team-a", keyID)
	}
}

func TestValidateDebugTokenRejectsExpiredAndForged(t *testing.T) {
	a := testAuthenticator()

	_, err := a.ValidateDebugToken("not-a-jwt")
	if err == nil {
		t.Error("expected error for malformed token")
	}

	other := New(Config{JWTSecret: []byte("different-secret")})
	token, err := other.IssueDebugToken("team-a")
	if err != nil {
		t.Fatalf("IssueDebugToken() error = %v", err)
	}
	if _, err := a.ValidateDebugToken(token); err == nil {
		t.Error("expected error validating a token signed with a different secret")
	}
}

func TestDebugMiddlewareRequiresValidSessionToken(t *testing.T) {
	a := testAuthenticator()
	called := false
	h := a.DebugMiddleware(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/debug/replay", nil)
	w := httptest.NewRecorder()
	h(w, req)
	if called || w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: called=%v code=%d", called, w.Code)
	}

	token, err := a.IssueDebugToken("team-a")
	if err != nil {
		t.Fatalf("IssueDebugToken() error = %v", err)
	}
	req = httptest.NewRequest("POST", "/debug/replay", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h(w, req)
	if !called || w.Code != http.StatusOK {
		t.Fatalf("valid token: called=%v code=%d", called, w.Code)
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	a := New(Config{
		APIKeys:       map[string]string{"k": "team"},
		RatePerSecond: rate.Limit(50),
		RateBurst:     1,
	})
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := func() *http.Request {
		r := httptest.NewRequest("POST", "/api/v1/ask", nil)
		r.Header.Set("Authorization", "Bearer k")
		return r
	}

	w := httptest.NewRecorder()
	h(w, req())
	if w.Code != http.StatusOK {
		t.Fatalf("first request Code = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h(w, req())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("immediate second request Code = %d, want 429", w.Code)
	}

	time.Sleep(40 * time.Millisecond)

	w = httptest.NewRecorder()
	h(w, req())
	if w.Code != http.StatusOK {
		t.Errorf("request after refill Code = %d, want 200", w.Code)
	}
}
