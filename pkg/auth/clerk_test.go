package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKID = "kid_1"

type jwksServer struct {
	*httptest.Server
	key   *rsa.PrivateKey
	hits  atomic.Int32
	kid   string
	fails bool
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &jwksServer{key: key, kid: testKID}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.hits.Add(1)
		if s.fails {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": s.kid,
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) sign(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user_1",
		Issuer:    "https://clerk.example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
}

func TestNewClerkVerifier(t *testing.T) {
	_, err := NewClerkVerifier(Config{})
	assert.Error(t, err)

	v, err := NewClerkVerifier(Config{JWKSURL: "https://example.com/.well-known/jwks.json"})
	require.NoError(t, err)
	assert.Equal(t, defaultCacheTTL, v.cacheTTL)
}

func TestClerkVerifier_Verify(t *testing.T) {
	server := newJWKSServer(t)
	v, err := NewClerkVerifier(Config{JWKSURL: server.URL, Issuer: "https://clerk.example.com"})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		sub, err := v.Verify(ctx, server.sign(t, validClaims()))
		require.NoError(t, err)
		assert.Equal(t, "user_1", sub)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := validClaims()
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		_, err := v.Verify(ctx, server.sign(t, claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := validClaims()
		claims.Issuer = "https://evil.example.com"
		_, err := v.Verify(ctx, server.sign(t, claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		claims := validClaims()
		claims.Subject = ""
		_, err := v.Verify(ctx, server.sign(t, claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("HS256 rejected", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
		token.Header["kid"] = testKID
		signed, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = v.Verify(ctx, signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestClerkVerifier_KeyCache(t *testing.T) {
	server := newJWKSServer(t)
	v, err := NewClerkVerifier(Config{JWKSURL: server.URL, CacheTTL: time.Minute})
	require.NoError(t, err)
	now := time.Now()
	v.now = func() time.Time { return now }
	ctx := context.Background()
	token := server.sign(t, validClaims())

	for i := 0; i < 3; i++ {
		_, err := v.Verify(ctx, token)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), server.hits.Load(), "keys are fetched once while cached")

	now = now.Add(2 * time.Minute)
	_, err = v.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int32(2), server.hits.Load(), "expired cache is refreshed")
}

func TestClerkVerifier_JWKSUnavailable(t *testing.T) {
	server := newJWKSServer(t)
	server.fails = true
	v, err := NewClerkVerifier(Config{JWKSURL: server.URL})
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), server.sign(t, validClaims()))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClerkVerifier_Middleware(t *testing.T) {
	server := newJWKSServer(t)
	v, err := NewClerkVerifier(Config{JWKSURL: server.URL})
	require.NoError(t, err)

	var gotUser string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
	}{
		{"no header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, ""},
		{"valid", "Bearer " + server.sign(t, validClaims()), http.StatusNoContent, "user_1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser = ""
			req := httptest.NewRequest(http.MethodGet, "/api/subscription", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantUser, gotUser)
		})
	}
}

func TestUserID(t *testing.T) {
	_, ok := UserID(context.Background())
	assert.False(t, ok)

	_, ok = UserID(WithUserID(context.Background(), ""))
	assert.False(t, ok)

	id, ok := UserID(WithUserID(context.Background(), "user_1"))
	assert.True(t, ok)
	assert.Equal(t, "user_1", id)
}
