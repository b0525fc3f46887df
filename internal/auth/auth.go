// Package auth validates API-key bearer credentials on the ask endpoint
// and rate-limits them per key, and signs/validates short-lived session
// tokens for the debug replay endpoint. API-key CRUD and session-cookie
// dashboard login are out of scope; this package only checks presented
// credentials against the configured key set. Grounded on the teacher's
// own header/cookie bearer-extraction shape and its JWT sign/validate
// pair, repurposed from GitHub-OAuth user sessions to opaque API-key
// sessions.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const APIKeyContextKey ContextKey = "api_key"

// Claims identify the API key a debug session token was issued for.
type Claims struct {
	KeyID string `json:"key_id"`
	jwt.RegisteredClaims
}

// Config holds the credentials and limits an Authenticator enforces.
type Config struct {
	// APIKeys maps an opaque bearer token to a human-readable key id used
	// in logs and telemetry; the token itself is never logged.
	APIKeys map[string]string
	// JWTSecret signs debug-replay session tokens.
	JWTSecret []byte
	// RatePerSecond/RateBurst bound each key's request rate, independent
	// of every other key.
	RatePerSecond rate.Limit
	RateBurst     int
}

// Authenticator validates bearer API keys, rate-limits them per key, and
// issues/validates debug session tokens.
type Authenticator struct {
	cfg      Config
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds an Authenticator from cfg. A zero or negative RatePerSecond
// disables rate limiting (every request is allowed).
func New(cfg Config) *Authenticator {
	return &Authenticator{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// GenerateAPIKey returns a random opaque bearer token suitable for a new
// key record. Key issuance/storage itself is out of scope; this is the
// one piece of credential material generation the ambient stack still
// needs (e.g. for seeding a local dev environment).
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (a *Authenticator) lookup(key string) (id string, ok bool) {
	for token, id := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return id, true
		}
	}
	return "", false
}

func (a *Authenticator) limiterFor(keyID string) *rate.Limiter {
	if a.cfg.RatePerSecond <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[keyID]
	if !ok {
		l = rate.NewLimiter(a.cfg.RatePerSecond, a.cfg.RateBurst)
		a.limiters[keyID] = l
	}
	return l
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Middleware validates the request's bearer API key and enforces its
// rate limit before calling next. Unauthenticated or rate-limited
// requests never reach next.
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		keyID, ok := a.lookup(token)
		if !ok {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}

		if l := a.limiterFor(keyID); l != nil && !l.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, keyID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// KeyIDFromContext extracts the authenticated key id set by Middleware.
func KeyIDFromContext(r *http.Request) string {
	if id, ok := r.Context().Value(APIKeyContextKey).(string); ok {
		return id
	}
	return ""
}

// IssueDebugToken signs a short-lived session token scoping /debug/replay
// access to the key id that authenticated the original ask request.
func (a *Authenticator) IssueDebugToken(keyID string) (string, error) {
	if len(a.cfg.JWTSecret) == 0 {
		return "", errors.New("auth: no jwt secret configured")
	}
	claims := Claims{
		KeyID: keyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   keyID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.cfg.JWTSecret)
}

// ValidateDebugToken parses and validates a debug session token, returning
// the key id it was issued for.
func (a *Authenticator) ValidateDebugToken(tokenString string) (string, error) {
	if len(a.cfg.JWTSecret) == 0 {
		return "", errors.New("auth: no jwt secret configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.cfg.JWTSecret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", errors.New("auth: invalid debug token")
	}
	return claims.KeyID, nil
}

// DebugMiddleware validates a debug session token carried as a bearer
// token, distinct from the ask endpoint's raw API-key check.
func (a *Authenticator) DebugMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		keyID, err := a.ValidateDebugToken(token)
		if err != nil {
			http.Error(w, "invalid or expired debug token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), APIKeyContextKey, keyID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}
