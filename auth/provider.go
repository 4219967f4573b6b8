package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/docsauth/config"
	"golang.org/x/oauth2"
)

// Provider call failures. Every error returned by providerClient token
// calls wraps exactly one of these.
var (
	// ErrProviderRejected is a non-2xx token endpoint response.
	ErrProviderRejected = errors.New("provider rejected token request")
	// ErrProviderUnavailable is a network failure or timeout.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrMalformedTokenResponse is a 2xx response without usable tokens.
	ErrMalformedTokenResponse = errors.New("malformed token response")
)

// TokenSet is the result of one token endpoint exchange.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	// ExpiresIn is the access/ID token lifetime in seconds.
	ExpiresIn int
	// RefreshExpiresIn is the refresh token lifetime in seconds.
	RefreshExpiresIn int
}

// providerClient talks to the authorization server's token and userinfo
// endpoints. Endpoints are configured explicitly; there is no discovery.
type providerClient struct {
	conf     oauth2.Config
	timeout  time.Duration
	client   *http.Client
	userInfo *oidc.Provider
}

func newProviderClient(cfg *config.Config, client *http.Client) *providerClient {
	a := cfg.Auth
	if client == nil {
		client = &http.Client{Timeout: a.ProviderTimeout}
	}
	p := &providerClient{
		conf: oauth2.Config{
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			RedirectURL:  a.RedirectURI,
			Scopes:       a.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   a.AuthorizeURL,
				TokenURL:  a.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		timeout: a.ProviderTimeout,
		client:  client,
	}
	if a.UserInfoURL != "" {
		p.userInfo = (&oidc.ProviderConfig{
			IssuerURL:   a.Issuer,
			AuthURL:     a.AuthorizeURL,
			TokenURL:    a.TokenURL,
			UserInfoURL: a.UserInfoURL,
			JWKSURL:     a.JWKSURL,
		}).NewProvider(oidc.ClientContext(context.Background(), client))
	}
	return p
}

// authCodeURL builds the authorization request URL: response_type=code,
// client_id, redirect_uri, scope, state and the S256 challenge.
func (p *providerClient) authCodeURL(state, challenge string) string {
	return p.conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

func (p *providerClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, p.client), cancel
}

// exchange redeems an authorization code with its PKCE verifier.
func (p *providerClient) exchange(ctx context.Context, code, verifier string) (*TokenSet, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	tok, err := p.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classify(err)
	}
	return tokenSetFrom(tok)
}

// refresh runs the refresh_token grant. When the response carries no new
// refresh token, the returned TokenSet repeats refreshToken.
func (p *providerClient) refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	tok, err := p.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(err)
	}
	return tokenSetFrom(tok)
}

// fetchUserInfo returns the userinfo claims for accessToken. It returns
// nil, nil when no userinfo endpoint is configured.
func (p *providerClient) fetchUserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if p.userInfo == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	info, err := p.userInfo.UserInfo(oidc.ClientContext(ctx, p.client), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, err
	}
	claims := map[string]any{}
	if err := info.Claims(&claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: status %d %s", ErrProviderRejected, re.Response.StatusCode, re.ErrorCode)
	}
	var ue *url.Error
	if errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	// x/oauth2 reports 2xx bodies without access_token, and undecodable
	// bodies, as plain errors.
	return fmt.Errorf("%w: %v", ErrMalformedTokenResponse, err)
}

func tokenSetFrom(tok *oauth2.Token) (*TokenSet, error) {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    int(tok.ExpiresIn),
	}
	if s, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = s
	}
	if ts.AccessToken == "" && ts.IDToken == "" {
		return nil, fmt.Errorf("%w: neither access_token nor id_token", ErrMalformedTokenResponse)
	}
	if ts.ExpiresIn <= 0 {
		ts.ExpiresIn = DefaultAccessTTL
	}
	ts.RefreshExpiresIn = extraSeconds(tok, "refresh_token_expires_in", "refresh_expires_in")
	if ts.RefreshExpiresIn <= 0 {
		ts.RefreshExpiresIn = DefaultRefreshTTL
	}
	return ts, nil
}

// extraSeconds reads the first positive integer among keys. JSON responses
// yield float64, form-encoded ones yield strings.
func extraSeconds(tok *oauth2.Token, keys ...string) int {
	for _, k := range keys {
		switch v := tok.Extra(k).(type) {
		case float64:
			if v > 0 {
				return int(v)
			}
		case string:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
