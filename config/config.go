// Package config resolves the docsauth configuration once at startup.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML file
// (with ${VAR} expansion), then environment variables. A .env file in the
// working directory is loaded into the process environment first and never
// overrides variables that are already set.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	// CookieKeySize is the required length of each cookie sealing key.
	CookieKeySize = 32

	devKeyID = "dev"
)

var (
	ErrMissingClientID   = errors.New("config: AUTH_CLIENT_ID is required")
	ErrMissingCookieKeys = errors.New("config: COOKIE_KEYS is required outside development")
	ErrCookieKeys        = errors.New("config: invalid COOKIE_KEYS")
)

type Config struct {
	Env            string `yaml:"env" validate:"required"`
	ListenAddr     string `yaml:"listen_addr" validate:"required"`
	PublicURL      string `yaml:"public_url" validate:"required,url"`
	LogLevel       string `yaml:"log_level" validate:"oneof=debug info warn error"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	RedisAddr      string `yaml:"redis_addr" validate:"omitempty,hostname_port"`

	Auth    AuthConfig   `yaml:"auth"`
	Cookies CookieConfig `yaml:"cookies"`
}

// AuthConfig holds the provider endpoints and client registration.
type AuthConfig struct {
	EnvironmentURL  string        `yaml:"environment_url" validate:"omitempty,url"`
	AuthorizeURL    string        `yaml:"authorize_url" validate:"required,url"`
	TokenURL        string        `yaml:"token_url" validate:"required,url"`
	UserInfoURL     string        `yaml:"userinfo_url" validate:"omitempty,url"`
	LogoutURL       string        `yaml:"logout_url" validate:"required,url"`
	ClientID        string        `yaml:"client_id" validate:"required"`
	ClientSecret    string        `yaml:"client_secret"`
	RedirectURI     string        `yaml:"redirect_uri" validate:"required,url"`
	Scopes          []string      `yaml:"scopes" validate:"min=1,dive,required"`
	Issuer          string        `yaml:"issuer" validate:"omitempty,url"`
	Audience        string        `yaml:"audience"`
	JWKSURL         string        `yaml:"jwks_url" validate:"omitempty,url"`
	ProviderTimeout time.Duration `yaml:"provider_timeout" validate:"gt=0"`
}

// CookieConfig holds the cookie sealing keys.
type CookieConfig struct {
	// Keys is "id:base64key[,id:base64key...]".
	Keys   string `yaml:"keys"`
	KeyID  string `yaml:"key_id"`
	Domain string `yaml:"domain" validate:"omitempty,hostname"`

	keySet map[string][]byte
}

// KeySet returns the decoded sealing keys.
func (c *CookieConfig) KeySet() map[string][]byte {
	return c.keySet
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Env:            EnvProduction,
		ListenAddr:     ":8080",
		PublicURL:      "http://localhost:8080",
		LogLevel:       "info",
		MetricsEnabled: true,
		Auth: AuthConfig{
			Scopes:          []string{"openid", "profile", "email", "offline_access"},
			ProviderTimeout: 5 * time.Second,
		},
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// SecureCookies reports whether cookies carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return !c.IsDevelopment()
}

// VerificationEnabled reports whether ID tokens are verified.
func (c *Config) VerificationEnabled() bool {
	return c.Auth.Issuer != "" && c.Auth.Audience != "" && c.Auth.JWKSURL != ""
}

// Load reads .env, the optional YAML file at path, and the process
// environment, then validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Resolve(path, os.LookupEnv)
}

// Resolve builds a Config from defaults, the YAML file at path (skipped
// when empty) and lookup. It performs no .env handling.
func Resolve(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	expanded := os.ExpandEnv(string(content))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("DOCSAUTH_ENV", &c.Env)
	str("DOCSAUTH_LISTEN_ADDR", &c.ListenAddr)
	str("DOCSAUTH_PUBLIC_URL", &c.PublicURL)
	str("DOCSAUTH_LOG_LEVEL", &c.LogLevel)
	str("REDIS_ADDR", &c.RedisAddr)

	str("AUTH_ENVIRONMENT_URL", &c.Auth.EnvironmentURL)
	str("AUTH_AUTHORIZE_URL", &c.Auth.AuthorizeURL)
	str("AUTH_TOKEN_URL", &c.Auth.TokenURL)
	str("AUTH_USERINFO_URL", &c.Auth.UserInfoURL)
	str("AUTH_LOGOUT_URL", &c.Auth.LogoutURL)
	str("AUTH_CLIENT_ID", &c.Auth.ClientID)
	str("AUTH_CLIENT_SECRET", &c.Auth.ClientSecret)
	str("AUTH_REDIRECT_URI", &c.Auth.RedirectURI)
	str("AUTH_ISSUER", &c.Auth.Issuer)
	str("AUTH_AUDIENCE", &c.Auth.Audience)
	str("AUTH_JWKS_URL", &c.Auth.JWKSURL)

	str("COOKIE_KEYS", &c.Cookies.Keys)
	str("COOKIE_KEY_ID", &c.Cookies.KeyID)
	str("COOKIE_DOMAIN", &c.Cookies.Domain)

	if v, ok := lookup("AUTH_SCOPES"); ok {
		c.Auth.Scopes = strings.Fields(v)
	}
	if v, ok := lookup("AUTH_PROVIDER_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("AUTH_PROVIDER_TIMEOUT: %w", err)
		}
		c.Auth.ProviderTimeout = d
	}
	if v, ok := lookup("METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("METRICS_ENABLED: %w", err)
		}
		c.MetricsEnabled = b
	}
	return nil
}

// derive fills endpoint defaults that depend on other fields.
func (c *Config) derive() {
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	a := &c.Auth
	env := strings.TrimRight(a.EnvironmentURL, "/")
	if env != "" {
		setDefault(&a.AuthorizeURL, env+"/oauth/authorize")
		setDefault(&a.TokenURL, env+"/oauth/token")
		setDefault(&a.UserInfoURL, env+"/userinfo")
		setDefault(&a.LogoutURL, env+"/oidc/logout")
		setDefault(&a.Issuer, env)
		setDefault(&a.JWKSURL, env+"/keys")
	}
	setDefault(&a.RedirectURI, c.PublicURL+"/auth/callback")
	setDefault(&a.Audience, a.ClientID)
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Validate checks required fields and decodes the cookie key set.
func (c *Config) Validate() error {
	if c.Auth.ClientID == "" {
		return ErrMissingClientID
	}
	if err := c.Cookies.resolveKeys(c.IsDevelopment()); err != nil {
		return err
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		return name
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

func (c *CookieConfig) resolveKeys(development bool) error {
	if strings.TrimSpace(c.Keys) == "" {
		if !development {
			return ErrMissingCookieKeys
		}
		// Development servers get a per-process key; cookies do not
		// survive a restart.
		k := make([]byte, CookieKeySize)
		if _, err := rand.Read(k); err != nil {
			return fmt.Errorf("generate development cookie key: %w", err)
		}
		c.keySet = map[string][]byte{devKeyID: k}
		c.KeyID = devKeyID
		return nil
	}

	keys, first, err := ParseCookieKeys(c.Keys)
	if err != nil {
		return err
	}
	if c.KeyID == "" {
		c.KeyID = first
	}
	if _, ok := keys[c.KeyID]; !ok {
		return fmt.Errorf("%w: COOKIE_KEY_ID %q not in key set", ErrCookieKeys, c.KeyID)
	}
	c.keySet = keys
	return nil
}

// ParseCookieKeys decodes "id:base64key[,id:base64key...]". It returns the
// key set and the first id listed.
func ParseCookieKeys(s string) (map[string][]byte, string, error) {
	keys := map[string][]byte{}
	first := ""
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, enc, ok := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" || strings.Contains(id, ".") {
			return nil, "", fmt.Errorf("%w: entry must be id:base64key", ErrCookieKeys)
		}
		if _, dup := keys[id]; dup {
			return nil, "", fmt.Errorf("%w: duplicate key id %q", ErrCookieKeys, id)
		}
		key, err := decodeKey(strings.TrimSpace(enc))
		if err != nil {
			return nil, "", fmt.Errorf("%w: key %q: %v", ErrCookieKeys, id, err)
		}
		if len(key) != CookieKeySize {
			return nil, "", fmt.Errorf("%w: key %q is %d bytes, want %d", ErrCookieKeys, id, len(key), CookieKeySize)
		}
		keys[id] = key
		if first == "" {
			first = id
		}
	}
	if len(keys) == 0 {
		return nil, "", fmt.Errorf("%w: no keys", ErrCookieKeys)
	}
	return keys, first, nil
}

func decodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not base64")
}
