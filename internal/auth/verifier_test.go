package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
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

func TestNewDisabled(t *testing.T) {
	assert.Nil(t, New(Config{}))
}

func TestVerifyHMAC(t *testing.T) {
	v := New(Config{HMACSecret: "s3cret"})
	sign := func(c jwt.MapClaims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()

	p, err := v.Verify(context.Background(), sign(jwt.MapClaims{"org": "org-1", "sub": "u1", "exp": exp}, "s3cret"))
	require.NoError(t, err)
	assert.Equal(t, Principal{OrganizationID: "org-1", Subject: "u1"}, p)

	_, err = v.Verify(context.Background(), sign(jwt.MapClaims{"org": "org-1", "exp": exp}, "wrong"))
	assert.Error(t, err)
	_, err = v.Verify(context.Background(), sign(jwt.MapClaims{"org": "org-1"}, "s3cret"))
	assert.Error(t, err, "expiry is required")
	_, err = v.Verify(context.Background(), sign(jwt.MapClaims{"exp": exp}, "s3cret"))
	assert.ErrorIs(t, err, ErrMissingOrg)
}

func TestVerifyCustomOrgClaim(t *testing.T) {
	v := New(Config{HMACSecret: "s3cret", OrgClaim: "tenant"})
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant": "org-9", "exp": time.Now().Add(time.Minute).Unix()}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	p, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "org-9", p.OrganizationID)
}

func TestVerifyJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[{"kty":"RSA","kid":"k1","n":"` +
			base64.RawURLEncoding.EncodeToString(key.N.Bytes()) + `","e":"` +
			base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()) + `"}]}`))
	}))
	defer srv.Close()

	v := New(Config{JWKSURL: srv.URL})
	sign := func(kid string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"org": "org-1", "exp": time.Now().Add(time.Hour).Unix()})
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		require.NoError(t, err)
		return s
	}

	p, err := v.Verify(context.Background(), sign("k1"))
	require.NoError(t, err)
	assert.Equal(t, "org-1", p.OrganizationID)
	_, err = v.Verify(context.Background(), sign("k1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load(), "keys are cached")

	_, err = v.Verify(context.Background(), sign("k2"))
	assert.ErrorContains(t, err, "k2")

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"org": "org-1", "exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte("x"))
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), hs)
	assert.Error(t, err, "HS256 is not accepted without a secret")
}
