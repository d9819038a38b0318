package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Verifier authenticates the caller of an HTTP request
type Verifier interface {
	UserFromRequest(r *http.Request) (*User, error)
}

// JWTVerifier handles JWT token verification, either against an HS256 shared
// secret or against a JWKS endpoint whose keys are cached
type JWTVerifier struct {
	secret []byte

	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
}

// NewHMACVerifier verifies tokens signed with the hosted auth provider's shared secret
func NewHMACVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// NewJWKSVerifier creates a verifier backed by a cached JWKS. Keys are fetched once
// up front and refreshed in the background until ctx is cancelled.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := verifier.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	verifier.keySet = keySet

	go verifier.backgroundRefresh(ctx)

	return verifier, nil
}

// fetchKeySet retrieves the JWKS from the cache (or fetches if needed)
func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()

		// keep serving the previous keys on error; the next tick retries
		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.keySetMutex.Unlock()
		}
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// UserFromRequest extracts and validates the bearer token from the Authorization header
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	var keyOpt jwt.ParseOption
	if v.secret != nil {
		keyOpt = jwt.WithKey(jwa.HS256, v.secret)
	} else {
		keyOpt = jwt.WithKeySet(v.getKeySet())
	}

	token, err := jwt.ParseRequest(r, keyOpt, jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("%w: token missing user ID (subject)", ErrUnauthorized)
	}

	user := &User{ID: userID}
	if emailClaim, ok := token.Get("email"); ok {
		user.Email, _ = emailClaim.(string)
	}
	if roleClaim, ok := token.Get("role"); ok {
		user.Role, _ = roleClaim.(string)
	}
	return user, nil
}
