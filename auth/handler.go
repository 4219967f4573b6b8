// Package auth implements the relying-party side of an OAuth 2.0
// authorization code flow with PKCE: login, callback, refresh, session
// introspection and logout endpoints backed by sealed cookies.
package auth

import (
	"net/http"
	"strings"

	"github.com/mnehpets/docsauth/config"
	"github.com/mnehpets/docsauth/endpoint"
	"github.com/mnehpets/docsauth/idtoken"
	"github.com/mnehpets/docsauth/middleware"
	"go.uber.org/zap"
)

// Handler serves the /auth endpoints. It holds no per-user state; every
// request is resolved from its cookies.
type Handler struct {
	mux       *http.ServeMux
	cfg       *config.Config
	publicURL string

	provider *providerClient
	verifier *idtoken.Verifier
	cookies  *cookieSet

	logger     *zap.Logger
	metrics    *Metrics
	httpClient *http.Client

	// processors are the middleware processors to run for each endpoint
	processors []endpoint.Processor
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithMetrics sets the outcome counters.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithHTTPClient sets the client used for token and userinfo calls.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) {
		h.httpClient = c
	}
}

// WithProcessors adds middleware processors to the auth endpoints.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// NewHandler creates the auth endpoints for cfg. verifier may be nil, which
// disables ID token verification.
func NewHandler(cfg *config.Config, verifier *idtoken.Verifier, opts ...Option) (*Handler, error) {
	if cfg.Auth.ClientID == "" {
		return nil, config.ErrMissingClientID
	}
	h := &Handler{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		verifier:  verifier,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("auth")

	codec, err := middleware.NewSecureCookieCodec(cfg.Cookies.KeyID, cfg.Cookies.KeySet(), nil)
	if err != nil {
		return nil, err
	}
	h.cookies, err = newCookieSet(codec, cfg.SecureCookies(), cfg.Cookies.Domain)
	if err != nil {
		return nil, err
	}
	h.provider = newProviderClient(cfg, h.httpClient)

	var hsts []middleware.SecurityHeadersOption
	if cfg.IsDevelopment() {
		hsts = append(hsts, middleware.WithoutHSTS())
	}
	api := append([]endpoint.Processor{
		middleware.NewAPISecurityHeadersProcessor(hsts...),
		middleware.NewCookieJarProcessor(),
	}, h.processors...)
	page := append([]endpoint.Processor{
		middleware.NewPageSecurityHeadersProcessor(hsts...),
		middleware.NewCookieJarProcessor(),
	}, h.processors...)

	h.mux.Handle("GET /auth/login", endpoint.Handler(h.login, api...))
	h.mux.Handle("GET /auth/callback", endpoint.Handler(h.callback, api...).WithErrorRenderer(h.callbackError))
	h.mux.Handle("POST /auth/refresh", endpoint.Handler(h.refresh, api...))
	h.mux.Handle("GET /auth/session", endpoint.Handler(h.session, api...))
	h.mux.Handle("GET /auth/logout", endpoint.Handler(h.logout, page...))

	h.logger.Info("auth handler ready",
		zap.Bool("id_token_verification", verifier.Enabled()),
		zap.Bool("userinfo", cfg.Auth.UserInfoURL != ""),
		zap.Bool("secure_cookies", cfg.SecureCookies()),
	)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}
