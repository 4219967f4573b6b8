package idtoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://auth.example.com"
	testAudience = "client-id"
)

type keyServer struct {
	mu   sync.Mutex
	keys []jose.JSONWebKey
	hits int
	srv  *httptest.Server
}

func newKeyServer(t *testing.T, keys ...jose.JSONWebKey) *keyServer {
	t.Helper()
	ks := &keyServer{keys: keys}
	ks.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.mu.Lock()
		defer ks.mu.Unlock()
		ks.hits++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: ks.keys})
	}))
	t.Cleanup(ks.srv.Close)
	return ks
}

func (ks *keyServer) set(keys ...jose.JSONWebKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys = keys
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

func publicJWK(priv *rsa.PrivateKey, kid string) jose.JSONWebKey {
	return jose.JSONWebKey{Key: &priv.PublicKey, Use: "sig", Algorithm: "RS256", KeyID: kid}
}

func sign(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.Claims, extra map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: priv, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)
	b := jwt.Signed(signer).Claims(claims)
	if extra != nil {
		b = b.Claims(extra)
	}
	raw, err := b.Serialize()
	require.NoError(t, err)
	return raw
}

func validClaims() jwt.Claims {
	now := time.Now()
	return jwt.Claims{
		Issuer:    testIssuer,
		Subject:   "user-123",
		Audience:  jwt.Audience{testAudience},
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}
}

func newVerifier(t *testing.T, ks *keyServer) *Verifier {
	t.Helper()
	return New(context.Background(), Config{
		Issuer:   testIssuer,
		Audience: testAudience,
		JWKSURL:  ks.srv.URL,
	})
}

func TestVerify_Valid(t *testing.T) {
	priv := newKey(t)
	ks := newKeyServer(t, publicJWK(priv, "k1"))
	v := newVerifier(t, ks)
	require.True(t, v.Enabled())

	claims := validClaims()
	raw := sign(t, priv, "k1", claims, map[string]any{"email": "a@example.com", "org_id": "org_9"})

	res, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "user-123", res.Subject)
	assert.Equal(t, "a@example.com", res.Claims["email"])
	assert.Equal(t, "org_9", res.Claims["org_id"])
	assert.Equal(t, "RS256", res.Header["alg"])
	assert.Equal(t, "k1", res.Header["kid"])
	assert.Equal(t, "JWT", res.Header["typ"])
	assert.Equal(t, claims.Expiry.Time().UnixMilli(), res.ExpiresAtMillis())
}

func TestVerify_Rejections(t *testing.T) {
	priv := newKey(t)
	other := newKey(t)
	ks := newKeyServer(t, publicJWK(priv, "k1"))
	v := newVerifier(t, ks)

	wrongIss := validClaims()
	wrongIss.Issuer = "https://evil.example.com"

	wrongAud := validClaims()
	wrongAud.Audience = jwt.Audience{"someone-else"}

	expired := validClaims()
	expired.Expiry = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	expired.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	expired.NotBefore = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))

	notYet := validClaims()
	notYet.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := map[string]string{
		"wrong issuer":   sign(t, priv, "k1", wrongIss, nil),
		"wrong audience": sign(t, priv, "k1", wrongAud, nil),
		"expired":        sign(t, priv, "k1", expired, nil),
		"not yet valid":  sign(t, priv, "k1", notYet, nil),
		"bad signature":  sign(t, other, "k1", validClaims(), nil),
		"unknown key":    sign(t, other, "k2", validClaims(), nil),
		"garbage":        "not.a.jwt",
		"empty":          "",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := v.Verify(context.Background(), raw)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestVerify_KeyRotationRefetches(t *testing.T) {
	oldKey, newKeyPair := newKey(t), newKey(t)
	ks := newKeyServer(t, publicJWK(oldKey, "old"))
	v := newVerifier(t, ks)

	_, err := v.Verify(context.Background(), sign(t, oldKey, "old", validClaims(), nil))
	require.NoError(t, err)

	ks.set(publicJWK(oldKey, "old"), publicJWK(newKeyPair, "new"))
	res, err := v.Verify(context.Background(), sign(t, newKeyPair, "new", validClaims(), nil))
	require.NoError(t, err)
	assert.Equal(t, "new", res.Header["kid"])

	ks.mu.Lock()
	defer ks.mu.Unlock()
	assert.GreaterOrEqual(t, ks.hits, 2)
}

func TestVerify_KeySetUnreachableFailsClosed(t *testing.T) {
	priv := newKey(t)
	ks := newKeyServer(t, publicJWK(priv, "k1"))
	v := newVerifier(t, ks)
	ks.srv.Close()

	res, err := v.Verify(context.Background(), sign(t, priv, "k1", validClaims(), nil))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Disabled(t *testing.T) {
	for _, cfg := range []Config{
		{},
		{Issuer: testIssuer, Audience: testAudience},
		{Issuer: testIssuer, JWKSURL: "http://127.0.0.1:1/keys"},
		{Audience: testAudience, JWKSURL: "http://127.0.0.1:1/keys"},
	} {
		v := New(context.Background(), cfg)
		assert.False(t, v.Enabled())
		res, err := v.Verify(context.Background(), "anything")
		assert.NoError(t, err)
		assert.Nil(t, res)
	}

	var nilVerifier *Verifier
	res, err := nilVerifier.Verify(context.Background(), "anything")
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestVerify_InjectedClock(t *testing.T) {
	priv := newKey(t)
	ks := newKeyServer(t, publicJWK(priv, "k1"))
	v := New(context.Background(), Config{
		Issuer:   testIssuer,
		Audience: testAudience,
		JWKSURL:  ks.srv.URL,
		Now:      func() time.Time { return time.Now().Add(2 * time.Hour) },
	})
	_, err := v.Verify(context.Background(), sign(t, priv, "k1", validClaims(), nil))
	assert.ErrorIs(t, err, ErrInvalidToken)
}
