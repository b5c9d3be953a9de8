// Package auth authenticates API requests with Clerk session tokens.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token
	ErrMissingToken = errors.New("authorization required")

	// ErrInvalidToken is returned when the token fails verification
	ErrInvalidToken = errors.New("invalid token")
)

const (
	defaultCacheTTL = 10 * time.Minute
	defaultLeeway   = 30 * time.Second
)

// Config controls how Clerk session tokens are verified.
type Config struct {
	// JWKSURL is the Clerk instance's JWKS endpoint
	JWKSURL string

	// Issuer and Audience are enforced when set
	Issuer   string
	Audience string

	// CacheTTL bounds how long fetched keys are trusted (default: 10m)
	CacheTTL time.Duration

	// Leeway tolerates clock skew on exp/nbf (default: 30s)
	Leeway time.Duration

	HTTPClient *http.Client
}

// ClerkVerifier validates RS256 session JWTs against a cached JWKS.
type ClerkVerifier struct {
	jwksURL    string
	httpClient *http.Client
	cacheTTL   time.Duration
	parser     *jwt.Parser
	now        func() time.Time

	mu       sync.RWMutex
	expires  time.Time
	keyByKID map[string]*rsa.PublicKey
}

// NewClerkVerifier creates a verifier for config.JWKSURL.
func NewClerkVerifier(config Config) (*ClerkVerifier, error) {
	jwksURL := strings.TrimSpace(config.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("auth: JWKS URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	cacheTTL := config.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	leeway := config.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	return &ClerkVerifier{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		parser:     jwt.NewParser(opts...),
		now:        time.Now,
		keyByKID:   map[string]*rsa.PublicKey{},
	}, nil
}

// Verify validates tokenString and returns its subject (the Clerk user id).
func (v *ClerkVerifier) Verify(ctx context.Context, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || strings.TrimSpace(kid) == "" {
			return nil, errors.New("missing kid in token")
		}
		return v.publicKey(ctx, kid)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", fmt.Errorf("%w: subject claim missing", ErrInvalidToken)
	}
	return sub, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// user id in the request context for UserID.
func (v *ClerkVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := v.Authenticate(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// Authenticate verifies the request's Authorization header.
func (v *ClerkVerifier) Authenticate(r *http.Request) (string, error) {
	tokenString, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return "", ErrMissingToken
	}
	return v.Verify(r.Context(), tokenString)
}

func bearerToken(authHeader string) (string, bool) {
	authHeader = strings.TrimSpace(authHeader)
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (v *ClerkVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key := v.cachedKey(kid); key != nil {
		return key, nil
	}

	// Unknown kid or expired cache: keys may have rotated.
	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	if key := v.cachedKey(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("key not found for kid %s", kid)
}

func (v *ClerkVerifier) cachedKey(kid string) *rsa.PublicKey {
	now := v.now()

	v.mu.RLock()
	defer v.mu.RUnlock()

	if now.After(v.expires) {
		return nil
	}
	return v.keyByKID[kid]
}

type jwks struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *ClerkVerifier) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var payload jwks
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, key := range payload.Keys {
		if key.Kid == "" || key.Kty != "RSA" || key.N == "" || key.E == "" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		keys[key.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("no usable RSA keys in JWKS")
	}

	v.mu.Lock()
	v.keyByKID = keys
	v.expires = v.now().Add(v.cacheTTL)
	v.mu.Unlock()

	return nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}
