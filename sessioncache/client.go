// Package sessioncache mirrors the server session locally so that most
// session checks need no network call. It talks to the /auth/session and
// /auth/refresh endpoints and keeps the result in a Storage until the ID
// token expires.
package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StorageKey is the key of the cached session.
const StorageKey = "sk_auth_session"

// ErrUnexpectedStatus is returned for responses other than 200 and 401.
var ErrUnexpectedStatus = errors.New("sessioncache: unexpected status")

// SessionInfo is the cached session. It is also the storage format.
type SessionInfo struct {
	Authenticated bool           `json:"authenticated"`
	User          map[string]any `json:"user"`
	IDTokenClaims map[string]any `json:"idTokenClaims"`
	// ExpiresAt is the ID token expiry in Unix milliseconds.
	ExpiresAt *int64 `json:"expiresAt"`
	UID       string `json:"uid,omitempty"`
	XOID      string `json:"xoid,omitempty"`
}

// Client reads the session through the cache.
type Client struct {
	// BaseURL is the site origin serving /auth/*.
	BaseURL string
	// HTTPClient must carry the user agent's cookie jar.
	HTTPClient *http.Client
	Storage    Storage
	Now        func() time.Time
	// OnCleared runs when another handle removes the cached session.
	OnCleared func()
	Logger    *zap.Logger
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func unauthenticated() *SessionInfo {
	return &SessionInfo{Authenticated: false}
}

// GetSession returns the cached session when it is authenticated and not
// expired. Otherwise it clears the cache and asks the server, refreshing
// once on 401.
func (c *Client) GetSession(ctx context.Context) (*SessionInfo, error) {
	if info, ok := c.cached(ctx); ok {
		return info, nil
	}
	if err := c.ClearSessionCache(ctx); err != nil {
		return nil, err
	}

	info, err := c.fetchSession(ctx)
	if err != nil {
		return nil, err
	}
	if !info.Authenticated {
		refreshed, err := c.refresh(ctx)
		if err != nil {
			return nil, err
		}
		if !refreshed {
			return unauthenticated(), nil
		}
		if info, err = c.fetchSession(ctx); err != nil {
			return nil, err
		}
		if !info.Authenticated {
			return unauthenticated(), nil
		}
	}

	c.store(ctx, info)
	return info, nil
}

// ClearSessionCache removes the cached session.
func (c *Client) ClearSessionCache(ctx context.Context) error {
	if err := c.Storage.Delete(ctx, StorageKey); err != nil {
		return fmt.Errorf("clear session cache: %w", err)
	}
	return nil
}

// Watch blocks until ctx is done, calling OnCleared each time another
// handle removes the cached session.
func (c *Client) Watch(ctx context.Context) error {
	removed, err := c.Storage.Removed(ctx, StorageKey)
	if err != nil {
		return err
	}
	for range removed {
		c.logger().Debug("session cache cleared elsewhere")
		if c.OnCleared != nil {
			c.OnCleared()
		}
	}
	return ctx.Err()
}

// cached returns a usable cache entry. Unusable entries are removed.
func (c *Client) cached(ctx context.Context) (*SessionInfo, bool) {
	raw, err := c.Storage.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger().Warn("session cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var info SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil || !c.usable(&info) {
		if err := c.Storage.Delete(ctx, StorageKey); err != nil {
			c.logger().Warn("session cache cleanup failed", zap.Error(err))
		}
		return nil, false
	}
	return &info, true
}

func (c *Client) usable(info *SessionInfo) bool {
	return info.Authenticated && info.ExpiresAt != nil && *info.ExpiresAt > c.now().UnixMilli()
}

// store writes info with a TTL ending at its expiry. Entries without an
// expiry are never served, so they are not written.
func (c *Client) store(ctx context.Context, info *SessionInfo) {
	info.UID, info.XOID = identity(info.IDTokenClaims)
	if !c.usable(info) {
		return
	}
	raw, err := json.Marshal(info)
	if err != nil {
		c.logger().Warn("session cache encode failed", zap.Error(err))
		return
	}
	ttl := time.UnixMilli(*info.ExpiresAt).Sub(c.now())
	if err := c.Storage.Set(ctx, StorageKey, raw, ttl); err != nil {
		c.logger().Warn("session cache write failed", zap.Error(err))
	}
}

func identity(claims map[string]any) (uid, xoid string) {
	uid, _ = claims["sub"].(string)
	if xoid, _ = claims["xoid"].(string); xoid == "" {
		xoid, _ = claims["org_id"].(string)
	}
	return uid, xoid
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// fetchSession calls the session endpoint. A 401 yields an
// unauthenticated SessionInfo.
func (c *Client) fetchSession(ctx context.Context) (*SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/auth/session"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var info SessionInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		return &info, nil
	case http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return unauthenticated(), nil
	}
	return nil, fmt.Errorf("%w: session %d", ErrUnexpectedStatus, resp.StatusCode)
}

// refresh calls the refresh endpoint and reports whether it succeeded.
func (c *Client) refresh(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/auth/refresh"), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("refresh session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		c.logger().Debug("refresh rejected")
		return false, nil
	}
	return false, fmt.Errorf("%w: refresh %d", ErrUnexpectedStatus, resp.StatusCode)
}
