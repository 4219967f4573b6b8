package auth

import (
	"errors"
	"net/http"

	"github.com/mnehpets/docsauth/endpoint"
	"github.com/mnehpets/docsauth/idtoken"
	"github.com/mnehpets/docsauth/middleware"
	"go.uber.org/zap"
)

// RefreshParams is empty: the refresh endpoint reads only its cookie.
type RefreshParams struct{}

type refreshResponse struct {
	Authenticated bool           `json:"authenticated"`
	IDTokenClaims map[string]any `json:"idTokenClaims"`
	ExpiresAt     *int64         `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func refreshError(code string) endpoint.Renderer {
	return &endpoint.JSONRenderer{Status: http.StatusUnauthorized, Value: errorResponse{Error: code}}
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, _ RefreshParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	jar, ok := middleware.CookieJarFromContext(ctx)
	if !ok {
		return nil, errors.New("auth: no cookie jar in context")
	}

	current := read(r, h.cookies.refresh)
	if current == "" {
		h.metrics.refresh("no_refresh_token")
		return refreshError("no_refresh_token"), nil
	}

	tokens, err := h.provider.refresh(ctx, current)
	switch {
	case errors.Is(err, ErrMalformedTokenResponse):
		h.logger.Warn("refresh returned no tokens", zap.Error(err))
		h.metrics.refresh("token_exchange_failed")
		return refreshError("token_exchange_failed"), nil
	case err != nil:
		// The refresh token is dead; only a new login can recover.
		h.logger.Info("refresh failed, clearing session", zap.Error(err))
		h.metrics.refresh("refresh_failed")
		if err := h.cookies.apply(jar, sessionTeardown()); err != nil {
			return nil, err
		}
		return refreshError("refresh_failed"), nil
	}

	var claims *idtoken.Result
	if tokens.IDToken != "" {
		claims, err = h.verifier.Verify(ctx, tokens.IDToken)
		if err != nil {
			h.logger.Warn("refreshed id token rejected", zap.Error(err))
			h.metrics.refresh("invalid_id_token")
			return refreshError("invalid_id_token"), nil
		}
	}

	var muts []CookieMutation
	if tokens.AccessToken != "" {
		muts = append(muts, setCookie(CookieAccessToken, tokens.AccessToken, tokens.ExpiresIn))
	}
	if tokens.IDToken != "" {
		muts = append(muts, setCookie(CookieIDToken, tokens.IDToken, tokens.ExpiresIn))
	}
	if tokens.RefreshToken != "" && tokens.RefreshToken != current {
		muts = append(muts, setCookie(CookieRefreshToken, tokens.RefreshToken, tokens.RefreshExpiresIn))
	}
	if err := h.cookies.apply(jar, muts); err != nil {
		return nil, err
	}

	h.metrics.refresh("ok")
	resp := refreshResponse{Authenticated: true}
	if claims != nil {
		resp.IDTokenClaims = claims.Claims
		resp.ExpiresAt = expiresAt(claims)
	}
	return &endpoint.JSONRenderer{Value: resp}, nil
}

// sessionTeardown clears the three token cookies.
func sessionTeardown() []CookieMutation {
	return []CookieMutation{
		clearCookie(CookieAccessToken),
		clearCookie(CookieIDToken),
		clearCookie(CookieRefreshToken),
	}
}

func expiresAt(res *idtoken.Result) *int64 {
	ms := res.ExpiresAtMillis()
	if ms == 0 {
		return nil
	}
	return &ms
}
