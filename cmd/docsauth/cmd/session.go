package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mnehpets/docsauth/logging"
	"github.com/mnehpets/docsauth/sessioncache"
)

var (
	sessionBaseURL   string
	sessionCookies   []string
	sessionRedisAddr string
	sessionKeyPrefix string
	sessionWatch     bool
	sessionClear     bool
	sessionTimeout   time.Duration
)

func init() {
	f := sessionCmd.Flags()
	f.StringVar(&sessionBaseURL, "base-url", "http://localhost:8080", "origin serving /auth/*")
	f.StringArrayVar(&sessionCookies, "cookie", nil, "cookie to send, as name=value (repeatable)")
	f.StringVar(&sessionRedisAddr, "redis", os.Getenv("REDIS_ADDR"), "share the cache through Redis at host:port")
	f.StringVar(&sessionKeyPrefix, "key-prefix", "docsauth:", "Redis key prefix")
	f.BoolVar(&sessionWatch, "watch", false, "after printing, report removals made by other clients")
	f.BoolVar(&sessionClear, "clear", false, "clear the cached session instead of reading it")
	f.DurationVar(&sessionTimeout, "timeout", 10*time.Second, "HTTP timeout")
	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Read the session through the client session cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSession(ctx, cmd.OutOrStdout())
	},
}

func runSession(ctx context.Context, out io.Writer) error {
	logger, err := logging.New("info", "development")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	storage, closeStorage, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer closeStorage()

	httpClient, err := cookieClient(sessionBaseURL, sessionCookies, sessionTimeout)
	if err != nil {
		return err
	}
	client := &sessioncache.Client{
		BaseURL:    sessionBaseURL,
		HTTPClient: httpClient,
		Storage:    storage,
		Logger:     logger,
		OnCleared: func() {
			fmt.Fprintln(out, "session cache cleared")
		},
	}

	if sessionClear {
		return client.ClearSessionCache(ctx)
	}

	info, err := client.GetSession(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		return err
	}

	if !sessionWatch {
		return nil
	}
	logger.Info("watching session cache", zap.String("key", sessioncache.StorageKey))
	if err := client.Watch(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func openStorage(ctx context.Context) (sessioncache.Storage, func(), error) {
	if sessionRedisAddr == "" {
		return sessioncache.NewMemoryStorage(), func() {}, nil
	}
	s, err := sessioncache.NewRedisStorage(ctx, sessionRedisAddr, sessionKeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

// cookieClient returns an HTTP client whose jar holds pairs for baseURL.
func cookieClient(baseURL string, pairs []string, timeout time.Duration) (*http.Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	var cookies []*http.Cookie
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid cookie %q, want name=value", p)
		}
		cookies = append(cookies, &http.Cookie{Name: strings.TrimSpace(name), Value: value, Path: "/"})
	}
	jar.SetCookies(u, cookies)
	return &http.Client{Jar: jar, Timeout: timeout}, nil
}
