package auth

import (
	"net/http"
	"time"

	"github.com/mnehpets/docsauth/middleware"
)

// Cookie names.
const (
	CookieVerifier     = "sk_pkce_verifier"
	CookieState        = "sk_pkce_state"
	CookieRedirect     = "sk_post_login_redirect"
	CookieAccessToken  = "sk_access_token"
	CookieIDToken      = "sk_id_token"
	CookieRefreshToken = "sk_refresh_token"
)

// RefreshPath scopes the refresh token cookie to the refresh endpoint.
const RefreshPath = "/auth/refresh"

const (
	// TransactionTTL bounds a login attempt independent of the callback.
	TransactionTTL = 10 * time.Minute
	// DefaultAccessTTL applies when the provider omits expires_in.
	DefaultAccessTTL = 3600
	// DefaultRefreshTTL applies when the provider omits a refresh lifetime.
	DefaultRefreshTTL = 30 * 24 * 3600
)

// cookieSet holds one sealed cookie per name. Values are sealed strings.
type cookieSet struct {
	verifier *middleware.SecureCookieAEAD
	state    *middleware.SecureCookieAEAD
	redirect *middleware.SecureCookieAEAD
	access   *middleware.SecureCookieAEAD
	id       *middleware.SecureCookieAEAD
	refresh  *middleware.SecureCookieAEAD
}

func newCookieSet(codec *middleware.SecureCookieCodec, secure bool, domain string) (*cookieSet, error) {
	lax := []middleware.SecureCookieOption{
		middleware.WithSecure(secure),
		middleware.WithDomain(domain),
		middleware.WithPath("/"),
		middleware.WithSameSite(http.SameSiteLaxMode),
	}
	strict := []middleware.SecureCookieOption{
		middleware.WithSecure(secure),
		middleware.WithDomain(domain),
		middleware.WithPath(RefreshPath),
		middleware.WithSameSite(http.SameSiteStrictMode),
	}

	cs := &cookieSet{}
	for _, c := range []struct {
		dst  **middleware.SecureCookieAEAD
		name string
		opts []middleware.SecureCookieOption
	}{
		{&cs.verifier, CookieVerifier, lax},
		{&cs.state, CookieState, lax},
		{&cs.redirect, CookieRedirect, lax},
		{&cs.access, CookieAccessToken, lax},
		{&cs.id, CookieIDToken, lax},
		{&cs.refresh, CookieRefreshToken, strict},
	} {
		sc, err := middleware.NewSecureCookie(c.name, codec, c.opts...)
		if err != nil {
			return nil, err
		}
		*c.dst = sc
	}
	return cs, nil
}

func (cs *cookieSet) byName(name string) *middleware.SecureCookieAEAD {
	switch name {
	case CookieVerifier:
		return cs.verifier
	case CookieState:
		return cs.state
	case CookieRedirect:
		return cs.redirect
	case CookieAccessToken:
		return cs.access
	case CookieIDToken:
		return cs.id
	case CookieRefreshToken:
		return cs.refresh
	}
	return nil
}

// read returns the opened value of sc, or "" when the cookie is absent or
// fails to open.
func read(r *http.Request, sc middleware.SecureCookie) string {
	var v string
	if err := sc.Read(r, &v); err != nil {
		return ""
	}
	return v
}

// readTransaction loads the PKCE transaction cookies.
func (cs *cookieSet) readTransaction(r *http.Request) Transaction {
	return Transaction{
		Verifier:          read(r, cs.verifier),
		State:             read(r, cs.state),
		PostLoginRedirect: read(r, cs.redirect),
	}
}

// CookieMutation is one planned Set-Cookie. Clear deletes the cookie.
type CookieMutation struct {
	Name   string
	Value  string
	MaxAge int
	Clear  bool
}

func setCookie(name, value string, maxAge int) CookieMutation {
	return CookieMutation{Name: name, Value: value, MaxAge: maxAge}
}

func clearCookie(name string) CookieMutation {
	return CookieMutation{Name: name, Clear: true}
}

// apply records the mutations on jar. Nothing is recorded unless every
// mutation encodes.
func (cs *cookieSet) apply(jar *middleware.CookieJar, muts []CookieMutation) error {
	out := make([]*http.Cookie, 0, len(muts))
	for _, m := range muts {
		sc := cs.byName(m.Name)
		if sc == nil {
			continue
		}
		if m.Clear {
			out = append(out, sc.Clear())
			continue
		}
		c, err := sc.Encode(m.Value, m.MaxAge)
		if err != nil {
			return err
		}
		out = append(out, c)
	}
	for _, c := range out {
		jar.Add(c)
	}
	return nil
}
