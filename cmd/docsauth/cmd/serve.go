package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mnehpets/docsauth/auth"
	"github.com/mnehpets/docsauth/config"
	"github.com/mnehpets/docsauth/idtoken"
	"github.com/mnehpets/docsauth/logging"
)

const (
	defaultGracefulTimeout  = 30 * time.Second
	serverReadHeaderTimeout = 10 * time.Second
	serverReadTimeout       = 15 * time.Second
	serverWriteTimeout      = 30 * time.Second
	serverIdleTimeout       = 60 * time.Second
)

var (
	serveConfigFile string
	serveListenAddr string
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "f", "", "YAML config file")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "address to listen on (overrides DOCSAUTH_LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the auth server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(serveConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveListenAddr != "" {
		cfg.ListenAddr = serveListenAddr
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	router, err := newRouter(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("public_url", cfg.PublicURL),
			zap.String("env", cfg.Env),
			zap.String("version", Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

// newRouter mounts the auth handler, the health check and, when enabled,
// the metrics endpoint. ctx bounds the ID token key set.
func newRouter(ctx context.Context, cfg *config.Config, logger *zap.Logger, registry *prometheus.Registry) (http.Handler, error) {
	verifier := idtoken.New(ctx, idtoken.Config{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		JWKSURL:  cfg.Auth.JWKSURL,
	})
	handler, err := auth.NewHandler(cfg, verifier,
		auth.WithLogger(logger),
		auth.WithMetrics(auth.NewMetrics(registry)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.AccessLog(logger))

	r.Handle("/auth/*", handler)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.MetricsEnabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}
	return r, nil
}
