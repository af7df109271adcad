// Package auth verifies bearer tokens and extracts the caller's organization.
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

// Principal is the verified caller.
type Principal struct {
	OrganizationID string
	Subject        string
}

type Config struct {
	// HMACSecret enables HS256 tokens.
	HMACSecret string
	// JWKSURL enables RS256 tokens signed by a key from the set.
	JWKSURL string
	// OrgClaim names the claim holding the organization id. Default "org".
	OrgClaim string
}

// Verifier validates JWTs. At least one of HS256 and RS256 is enabled.
type Verifier struct {
	secret   []byte
	jwksURL  string
	orgClaim string
	methods  []string

	http     *http.Client
	cacheTTL time.Duration

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// New returns nil when neither an HMAC secret nor a JWKS URL is set.
func New(cfg Config) *Verifier {
	if cfg.HMACSecret == "" && cfg.JWKSURL == "" {
		return nil
	}
	v := &Verifier{
		jwksURL:  cfg.JWKSURL,
		orgClaim: cfg.OrgClaim,
		http:     &http.Client{Timeout: 5 * time.Second},
		cacheTTL: 10 * time.Minute,
	}
	if v.orgClaim == "" {
		v.orgClaim = "org"
	}
	if cfg.HMACSecret != "" {
		v.secret = []byte(cfg.HMACSecret)
		v.methods = append(v.methods, jwt.SigningMethodHS256.Alg())
	}
	if cfg.JWKSURL != "" {
		v.methods = append(v.methods, jwt.SigningMethodRS256.Alg())
	}
	return v
}

var ErrMissingOrg = errors.New("missing organization claim")

// Verify checks the signature and expiry of token. Tokens without an
// expiry are refused.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			return v.secret, nil
		case jwt.SigningMethodRS256.Alg():
			kid, _ := t.Header["kid"].(string)
			return v.publicKey(ctx, kid)
		}
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}, jwt.WithValidMethods(v.methods), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, err
	}
	org, _ := claims[v.orgClaim].(string)
	if strings.TrimSpace(org) == "" {
		return Principal{}, ErrMissingOrg
	}
	sub, _ := claims.GetSubject()
	return Principal{OrganizationID: org, Subject: sub}, nil
}

// publicKey looks kid up in the cached key set, refetching when the cache
// is stale or the kid is unknown.
func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}
	if err := v.fetchJWKS(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("kid %q not found in JWKS", kid)
}

func (v *Verifier) fetchJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("jwks decode: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}

func (k jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	if len(e) == 0 || len(e) > 4 {
		return nil, errors.New("bad exponent")
	}
	var exp int
	for _, b := range e {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}
