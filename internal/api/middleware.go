/**
 * @description
 * Authentication middleware for the escrow-service. End users authenticate with
 * an RS256 JWT verified against the identity provider's JWKS; internal services
 * authenticate with the shared internal API key and name the caller explicitly.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For JWT parsing and validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	internalAPIKeyHeader = "X-Internal-API-Key"
	callerIDHeader       = "X-Caller-Id"
	callerRoleHeader     = "X-Caller-Role"

	jwksCacheTTL = 10 * time.Minute
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerKey CallerContextKey = "escrowCaller"

// AuthMiddleware resolves the domain.Caller for every request.
func AuthMiddleware(jwksURL, internalAPIKey string) func(http.Handler) http.Handler {
	keys := newJWKSCache(jwksURL)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				caller domain.Caller
				err    error
			)
			if provided := r.Header.Get(internalAPIKeyHeader); provided != "" {
				caller, err = internalCaller(r, provided, internalAPIKey)
			} else {
				caller, err = tokenCaller(r, keys)
			}
			if err != nil {
				log.Printf("level=warn component=auth path=%s msg=\"request rejected\" err=%v", r.URL.Path, err)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized", Message: err.Error()})
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller retrieves the authenticated caller from the request context.
func GetCaller(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerKey).(domain.Caller)
	return caller, ok
}

func internalCaller(r *http.Request, provided, required string) (domain.Caller, error) {
	if required == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(required)) != 1 {
		return domain.Caller{}, fmt.Errorf("invalid internal api key")
	}

	rawID := strings.TrimSpace(r.Header.Get(callerIDHeader))
	if rawID == "" {
		return domain.SystemCaller, nil
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return domain.Caller{}, fmt.Errorf("invalid %s header", callerIDHeader)
	}
	role, err := domain.ParseRole(r.Header.Get(callerRoleHeader))
	if err != nil {
		return domain.Caller{}, err
	}
	if role == domain.RoleSystem {
		return domain.Caller{}, fmt.Errorf("system role cannot carry a caller id")
	}
	return domain.Caller{ID: id, Role: role}, nil
}

func tokenCaller(r *http.Request, keys *jwksCache) (domain.Caller, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return domain.Caller{}, fmt.Errorf("authorization header required")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return domain.Caller{}, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return keys.publicKey(kid)
	})
	if err != nil {
		return domain.Caller{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return domain.Caller{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Caller{}, fmt.Errorf("invalid token claims")
	}
	if expectedAud := os.Getenv("JWT_AUDIENCE"); expectedAud != "" {
		if aud, ok := claims["aud"].(string); !ok || aud != expectedAud {
			return domain.Caller{}, fmt.Errorf("invalid audience")
		}
	}
	if expectedIss := os.Getenv("JWT_ISSUER"); expectedIss != "" {
		if iss, ok := claims["iss"].(string); !ok || iss != expectedIss {
			return domain.Caller{}, fmt.Errorf("invalid issuer")
		}
	}

	sub, _ := claims["sub"].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return domain.Caller{}, fmt.Errorf("user id not found in token")
	}
	rawRole, _ := claims["role"].(string)
	role, err := domain.ParseRole(rawRole)
	if err != nil {
		return domain.Caller{}, err
	}
	if role == domain.RoleSystem {
		return domain.Caller{}, fmt.Errorf("system role is reserved for internal callers")
	}
	return domain.Caller{ID: id, Role: role}, nil
}

// jwksCache keeps the provider's signing keys and refetches them when they
// expire or an unknown kid shows up.
type jwksCache struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

func (c *jwksCache) publicKey(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < jwksCacheTTL {
		return key, nil
	}
	if c.url == "" {
		return nil, fmt.Errorf("jwks url is not configured")
	}
	if err := c.refresh(); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *jwksCache) refresh() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			log.Printf("level=warn component=auth msg=\"skipping malformed jwk\" kid=%s err=%v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
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
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
