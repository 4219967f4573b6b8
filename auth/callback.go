package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"

	"github.com/mnehpets/docsauth/endpoint"
	"github.com/mnehpets/docsauth/middleware"
	"go.uber.org/zap"
)

// Error markers appended to the login URL after a failed callback.
const (
	ReasonInvalidState        = "invalid_state"
	ReasonTokenExchangeFailed = "token_exchange_failed"
	ReasonAccessDenied        = "access_denied"
	ReasonServerError         = "server_error"
)

// Transaction is the PKCE transaction read back from cookies.
type Transaction struct {
	Verifier          string
	State             string
	PostLoginRedirect string
}

// CallbackQuery is the authorization response as received on the redirect URI.
type CallbackQuery struct {
	Code             string `query:"code" maxLength:"4096"`
	State            string `query:"state" maxLength:"512"`
	Error            string `query:"error" maxLength:"256"`
	ErrorDescription string `query:"error_description" maxLength:"1024"`
}

// CallbackOutcome is one step of the callback state machine. The concrete
// types are Rejected, Validated, Exchanged, ExchangeFailed and Committed.
type CallbackOutcome interface {
	outcome() string
}

// Rejected ends the flow before any provider call. No cookies are written.
type Rejected struct {
	Reason string
}

// Validated carries what the token exchange needs.
type Validated struct {
	Code     string
	Verifier string
	Redirect string
}

// Exchanged holds the provider's tokens and the sanitized target.
type Exchanged struct {
	Tokens   TokenSet
	Redirect string
}

// ExchangeFailed is a token endpoint failure of any kind.
type ExchangeFailed struct {
	Reason string
	Err    error
}

// Committed is the final cookie plan and redirect path.
type Committed struct {
	Cookies  []CookieMutation
	Redirect string
}

func (Rejected) outcome() string       { return "rejected" }
func (Validated) outcome() string      { return "validated" }
func (Exchanged) outcome() string      { return "exchanged" }
func (ExchangeFailed) outcome() string { return "exchange_failed" }
func (Committed) outcome() string      { return "committed" }

// ValidateCallback checks the authorization response against the stored
// transaction. It returns Rejected or Validated.
func ValidateCallback(tx Transaction, q CallbackQuery) CallbackOutcome {
	if q.Error != "" {
		return Rejected{Reason: ReasonAccessDenied}
	}
	if q.Code == "" || q.State == "" || tx.State == "" || tx.Verifier == "" {
		return Rejected{Reason: ReasonInvalidState}
	}
	if subtle.ConstantTimeCompare([]byte(q.State), []byte(tx.State)) != 1 {
		return Rejected{Reason: ReasonInvalidState}
	}
	return Validated{
		Code:     q.Code,
		Verifier: tx.Verifier,
		Redirect: PostLoginTarget(tx.PostLoginRedirect),
	}
}

// Commit plans the session cookies for a successful exchange. The PKCE
// transaction cookies are always cleared.
func Commit(ex Exchanged) Committed {
	t := ex.Tokens
	var muts []CookieMutation
	if t.AccessToken != "" {
		muts = append(muts, setCookie(CookieAccessToken, t.AccessToken, t.ExpiresIn))
	}
	if t.IDToken != "" {
		muts = append(muts, setCookie(CookieIDToken, t.IDToken, t.ExpiresIn))
	}
	if t.RefreshToken != "" {
		muts = append(muts, setCookie(CookieRefreshToken, t.RefreshToken, t.RefreshExpiresIn))
	}
	muts = append(muts,
		clearCookie(CookieVerifier),
		clearCookie(CookieState),
		clearCookie(CookieRedirect),
	)
	return Committed{Cookies: muts, Redirect: ex.Redirect}
}

// exchange runs the token request for a validated callback.
func (h *Handler) exchange(ctx context.Context, v Validated) CallbackOutcome {
	tokens, err := h.provider.exchange(ctx, v.Code, v.Verifier)
	if err != nil {
		return ExchangeFailed{Reason: ReasonTokenExchangeFailed, Err: err}
	}
	return Exchanged{Tokens: *tokens, Redirect: v.Redirect}
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, q CallbackQuery) (endpoint.Renderer, error) {
	out := ValidateCallback(h.cookies.readTransaction(r), q)
	if v, ok := out.(Validated); ok {
		out = h.exchange(r.Context(), v)
	}
	if ex, ok := out.(Exchanged); ok {
		out = Commit(ex)
	}
	return h.applyOutcome(r, q, out)
}

// applyOutcome translates a terminal outcome to cookie writes and a redirect.
func (h *Handler) applyOutcome(r *http.Request, q CallbackQuery, out CallbackOutcome) (endpoint.Renderer, error) {
	h.metrics.callback(out.outcome())
	switch o := out.(type) {
	case Rejected:
		fields := []zap.Field{zap.String("reason", o.Reason)}
		if q.Error != "" {
			fields = append(fields, zap.String("provider_error", q.Error))
		}
		h.logger.Info("callback rejected", fields...)
		return h.loginRedirect(o.Reason), nil
	case ExchangeFailed:
		h.logger.Warn("token exchange failed", zap.String("reason", o.Reason), zap.Error(o.Err))
		return h.loginRedirect(o.Reason), nil
	case Committed:
		jar, ok := middleware.CookieJarFromContext(r.Context())
		if !ok {
			return nil, errors.New("auth: no cookie jar in context")
		}
		if err := h.cookies.apply(jar, o.Cookies); err != nil {
			return nil, err
		}
		h.logger.Info("callback committed", zap.String("redirect", o.Redirect))
		return &endpoint.RedirectRenderer{URL: h.publicURL + o.Redirect, Status: http.StatusFound}, nil
	}
	return nil, errors.New("auth: callback ended in a non-terminal outcome")
}

// loginRedirect sends the browser back to the login endpoint with reason.
func (h *Handler) loginRedirect(reason string) endpoint.Renderer {
	return &endpoint.RedirectRenderer{
		URL:    "/auth/login?error=" + url.QueryEscape(reason),
		Status: http.StatusFound,
	}
}

// callbackError turns unexpected callback failures, including panics, into
// a redirect with a generic marker.
func (h *Handler) callbackError(r *http.Request, err error) endpoint.Renderer {
	var ee *endpoint.EndpointError
	if errors.As(err, &ee) && ee.Status == http.StatusBadRequest {
		// Oversized or malformed query parameters.
		h.logger.Info("callback rejected", zap.String("reason", ReasonInvalidState), zap.Error(err))
		h.metrics.callback("rejected")
		return h.loginRedirect(ReasonInvalidState)
	}
	var pe *endpoint.PanicError
	if errors.As(err, &pe) {
		h.logger.Error("callback panic", zap.Any("panic", pe.Value), zap.Stack("stack"))
	} else {
		h.logger.Error("callback failed", zap.Error(err))
	}
	h.metrics.callback("error")
	return h.loginRedirect(ReasonServerError)
}
