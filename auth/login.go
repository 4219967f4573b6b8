package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mnehpets/docsauth/endpoint"
	"github.com/mnehpets/docsauth/middleware"
	"github.com/mnehpets/docsauth/pkce"
	"go.uber.org/zap"
)

// LoginParams are the query parameters accepted by the login endpoint.
type LoginParams struct {
	Redirect string `query:"redirect" maxLength:"2048"`
	// Error is set when a failed callback bounced the browser back here.
	Error string `query:"error" maxLength:"64"`
}

var knownReasons = map[string]bool{
	ReasonInvalidState:        true,
	ReasonTokenExchangeFailed: true,
	ReasonAccessDenied:        true,
	ReasonServerError:         true,
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, params LoginParams) (endpoint.Renderer, error) {
	if params.Error != "" {
		// Restarting the flow here would loop straight back through the
		// provider, so a failed attempt stops and waits for the user.
		reason := params.Error
		if !knownReasons[reason] {
			reason = "unknown"
		}
		return &endpoint.StringRenderer{
			Status: http.StatusUnauthorized,
			Body:   fmt.Sprintf("Sign-in failed (%s). Visit /auth/login to try again.\n", reason),
		}, nil
	}

	tx, err := pkce.New()
	if err != nil {
		h.logger.Error("pkce generation failed", zap.Error(err))
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}

	jar, ok := middleware.CookieJarFromContext(r.Context())
	if !ok {
		return nil, errors.New("auth: no cookie jar in context")
	}
	ttl := int(TransactionTTL.Seconds())
	muts := []CookieMutation{
		setCookie(CookieVerifier, tx.Verifier, ttl),
		setCookie(CookieState, tx.State, ttl),
	}
	if target, ok := SanitizeRedirect(params.Redirect); ok {
		muts = append(muts, setCookie(CookieRedirect, target, ttl))
	} else {
		// A stale destination from an abandoned attempt must not be reused.
		muts = append(muts, clearCookie(CookieRedirect))
		if params.Redirect != "" {
			h.logger.Info("discarded non-local login redirect")
		}
	}
	if err := h.cookies.apply(jar, muts); err != nil {
		return nil, err
	}

	h.logger.Debug("login started")
	return &endpoint.RedirectRenderer{
		URL:    h.provider.authCodeURL(tx.State, tx.Challenge),
		Status: http.StatusFound,
	}, nil
}
