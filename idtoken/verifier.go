// Package idtoken verifies OpenID Connect ID tokens against a remote JWKS.
//
// A Verifier is constructed once per process and injected into the handlers
// that need it. Signing keys are fetched lazily and cached; a token signed by
// an unknown key id triggers a refetch, which is how provider key rotation
// is picked up.
package idtoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
)

// ErrInvalidToken wraps every verification failure: malformed token,
// bad signature, issuer or audience mismatch, expiry, or a key-set fetch
// error. Verification never fails open.
var ErrInvalidToken = errors.New("idtoken: invalid token")

// DefaultAlgorithms are the JWS algorithms accepted when Config.Algorithms
// is empty.
var DefaultAlgorithms = []string{
	oidc.RS256, oidc.RS384, oidc.RS512,
	oidc.ES256, oidc.ES384, oidc.ES512,
	oidc.PS256,
}

// Config describes the verification context. If any of Issuer, Audience
// or JWKSURL is empty the Verifier is disabled.
type Config struct {
	Issuer   string
	Audience string
	JWKSURL  string

	// HTTPClient fetches the key set. Defaults to a client with a 5s timeout.
	HTTPClient *http.Client
	// Algorithms restricts accepted signing algorithms.
	Algorithms []string
	// Now overrides the clock used for exp/nbf checks.
	Now func() time.Time
}

// Result is a verified token.
type Result struct {
	// Header is the JWS protected header (alg, kid, typ, ...).
	Header map[string]any
	// Claims is the full claim set.
	Claims  map[string]any
	Subject string
	Expiry  time.Time
}

// ExpiresAtMillis returns the token expiry as Unix milliseconds.
func (r *Result) ExpiresAtMillis() int64 {
	if r == nil || r.Expiry.IsZero() {
		return 0
	}
	return r.Expiry.UnixMilli()
}

// Verifier validates ID tokens. The zero value and a nil *Verifier are
// disabled verifiers.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
	algs     []jose.SignatureAlgorithm
}

// New builds a Verifier. ctx bounds the lifetime of the key set and should
// outlive every Verify call; a cancelled ctx makes key fetches fail.
func New(ctx context.Context, cfg Config) *Verifier {
	if cfg.Issuer == "" || cfg.Audience == "" || cfg.JWKSURL == "" {
		return &Verifier{}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}

	keySet := oidc.NewRemoteKeySet(oidc.ClientContext(ctx, client), cfg.JWKSURL)
	v := oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{
		ClientID:             cfg.Audience,
		SupportedSigningAlgs: algs,
		Now:                  cfg.Now,
	})

	joseAlgs := make([]jose.SignatureAlgorithm, 0, len(algs))
	for _, a := range algs {
		joseAlgs = append(joseAlgs, jose.SignatureAlgorithm(a))
	}
	return &Verifier{verifier: v, algs: joseAlgs}
}

// Enabled reports whether the verifier has a full verification context.
func (v *Verifier) Enabled() bool {
	return v != nil && v.verifier != nil
}

// Verify checks raw and returns its header and claims.
//
// A disabled Verifier returns (nil, nil): claims are unavailable, which is
// not the same as verified-empty. Every other failure wraps ErrInvalidToken.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Result, error) {
	if !v.Enabled() {
		return nil, nil
	}
	tok, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := map[string]any{}
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	header, err := protectedHeader(raw, v.algs)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}

	return &Result{
		Header:  header,
		Claims:  claims,
		Subject: tok.Subject,
		Expiry:  tok.Expiry,
	}, nil
}

func protectedHeader(raw string, algs []jose.SignatureAlgorithm) (map[string]any, error) {
	jws, err := jose.ParseSigned(raw, algs)
	if err != nil {
		return nil, err
	}
	if len(jws.Signatures) != 1 {
		return nil, errors.New("expected exactly one signature")
	}
	h := jws.Signatures[0].Protected
	out := map[string]any{"alg": h.Algorithm}
	if h.KeyID != "" {
		out["kid"] = h.KeyID
	}
	for k, val := range h.ExtraHeaders {
		out[string(k)] = val
	}
	return out, nil
}
