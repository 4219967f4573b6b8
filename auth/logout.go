package auth

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"github.com/mnehpets/docsauth/endpoint"
	"github.com/mnehpets/docsauth/middleware"
)

// SessionStorageKey is the browser storage key of the client session cache.
const SessionStorageKey = "sk_auth_session"

// LogoutParams carries an optional ID token held by the client cache.
type LogoutParams struct {
	IDToken string `query:"id_token" maxLength:"8192"`
}

var logoutPage = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex">
<title>Signing out</title>
</head>
<body>
<p>Signing out&hellip;</p>
<noscript><p><a href="{{.LogoutURL}}">Continue</a></p></noscript>
<script nonce="{{.Nonce}}">
try { window.localStorage.removeItem({{.StorageKey}}); } catch (e) {}
window.location.replace({{.LogoutURL}});
</script>
</body>
</html>
`))

type logoutValues struct {
	LogoutURL  string
	StorageKey string
	Nonce      string
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, params LogoutParams) (endpoint.Renderer, error) {
	jar, ok := middleware.CookieJarFromContext(r.Context())
	if !ok {
		return nil, errors.New("auth: no cookie jar in context")
	}

	hint := params.IDToken
	if hint == "" {
		hint = read(r, h.cookies.id)
	}
	target, err := h.providerLogoutURL(hint)
	if err != nil {
		return nil, err
	}

	if err := h.cookies.apply(jar, []CookieMutation{
		clearCookie(CookieAccessToken),
		clearCookie(CookieIDToken),
		clearCookie(CookieRefreshToken),
		clearCookie(CookieVerifier),
		clearCookie(CookieState),
		clearCookie(CookieRedirect),
	}); err != nil {
		return nil, err
	}
	// Older deployments scoped the refresh token to the whole site.
	jar.Add(h.cookies.refresh.ClearAt("/"))

	h.metrics.logout()
	return &endpoint.HTMLTemplateRenderer{
		Template: logoutPage,
		Values: logoutValues{
			LogoutURL:  target,
			StorageKey: SessionStorageKey,
			Nonce:      middleware.ScriptNonceFromContext(r.Context()),
		},
	}, nil
}

// providerLogoutURL builds the end-session URL. idTokenHint may be empty.
func (h *Handler) providerLogoutURL(idTokenHint string) (string, error) {
	u, err := url.Parse(h.cfg.Auth.LogoutURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	q.Set("post_logout_redirect_uri", h.publicURL)
	q.Set("client_id", h.cfg.Auth.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
