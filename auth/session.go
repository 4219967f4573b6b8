package auth

import (
	"net/http"

	"github.com/mnehpets/docsauth/endpoint"
	"github.com/mnehpets/docsauth/idtoken"
	"go.uber.org/zap"
)

// SessionParams is empty: the session endpoint reads only cookies.
type SessionParams struct{}

type sessionResponse struct {
	Authenticated bool           `json:"authenticated"`
	User          map[string]any `json:"user"`
	IDTokenClaims map[string]any `json:"idTokenClaims"`
	ExpiresAt     *int64         `json:"expiresAt"`
}

type unauthenticated struct {
	Authenticated bool `json:"authenticated"`
}

var notAuthenticated = &endpoint.JSONRenderer{
	Status: http.StatusUnauthorized,
	Value:  unauthenticated{Authenticated: false},
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request, _ SessionParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	access := read(r, h.cookies.access)
	if access == "" {
		h.metrics.session("anonymous")
		return notAuthenticated, nil
	}

	// The ID token is the trust anchor; check it before spending a
	// provider round trip on user info.
	var claims *idtoken.Result
	if raw := read(r, h.cookies.id); raw != "" {
		var err error
		claims, err = h.verifier.Verify(ctx, raw)
		if err != nil {
			h.logger.Info("session id token rejected", zap.Error(err))
			h.metrics.session("invalid_id_token")
			return notAuthenticated, nil
		}
	}

	user, err := h.provider.fetchUserInfo(ctx, access)
	if err != nil {
		h.logger.Warn("userinfo unavailable", zap.Error(err))
		user = nil
	}

	h.metrics.session("ok")
	resp := sessionResponse{Authenticated: true, User: user}
	if claims != nil {
		resp.IDTokenClaims = claims.Claims
		resp.ExpiresAt = expiresAt(claims)
	}
	return &endpoint.JSONRenderer{Value: resp}, nil
}
