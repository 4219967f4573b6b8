package middleware

// Cookie jar middleware for the endpoint processor/renderer pipeline.
//
// Handlers record cookie writes and deletions on a request-scoped jar.
// The jar is flushed as Set-Cookie headers just before the response headers
// are written, so a handler that later fails or redirects still emits a
// consistent set of mutations.

import (
	"context"
	"net/http"
	"sync"

	"github.com/mnehpets/docsauth/endpoint"
)

// CookieJar is the request-scoped set of pending cookie mutations.
//
// Mutations are keyed by name and path; the last write for a key wins and
// keeps the position of the first write.
type CookieJar struct {
	mu      sync.Mutex
	order   []cookieKey
	pending map[cookieKey]*http.Cookie
}

type cookieKey struct {
	name string
	path string
}

// NewCookieJar returns an empty jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{pending: map[cookieKey]*http.Cookie{}}
}

// Add records c, replacing any pending mutation for the same name and path.
func (j *CookieJar) Add(c *http.Cookie) {
	if j == nil || c == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	k := cookieKey{name: c.Name, path: c.Path}
	if _, ok := j.pending[k]; !ok {
		j.order = append(j.order, k)
	}
	j.pending[k] = c
}

// Put seals v into sc and records the resulting cookie.
func (j *CookieJar) Put(sc SecureCookie, v any, maxAge int) error {
	c, err := sc.Encode(v, maxAge)
	if err != nil {
		return err
	}
	j.Add(c)
	return nil
}

// Delete records a deletion of sc at its own path.
func (j *CookieJar) Delete(sc SecureCookie) {
	j.Add(sc.Clear())
}

// Cookies returns the pending mutations in first-write order.
func (j *CookieJar) Cookies() []*http.Cookie {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*http.Cookie, 0, len(j.order))
	for _, k := range j.order {
		out = append(out, j.pending[k])
	}
	return out
}

// Flush writes every pending mutation to w and empties the jar.
func (j *CookieJar) Flush(w http.ResponseWriter) {
	for _, c := range j.Cookies() {
		http.SetCookie(w, c)
	}
	j.mu.Lock()
	j.order = nil
	j.pending = map[cookieKey]*http.Cookie{}
	j.mu.Unlock()
}

type cookieJarContextKey struct{}

// WithCookieJar stores jar in ctx and returns the derived context.
func WithCookieJar(ctx context.Context, jar *CookieJar) context.Context {
	return context.WithValue(ctx, cookieJarContextKey{}, jar)
}

// CookieJarFromContext returns the CookieJar stored in ctx, if any.
func CookieJarFromContext(ctx context.Context) (*CookieJar, bool) {
	jar, ok := ctx.Value(cookieJarContextKey{}).(*CookieJar)
	if !ok || jar == nil {
		return nil, false
	}
	return jar, true
}

// CookieJarProcessor attaches a fresh CookieJar to each request and flushes
// it via endpoint.Defer.
type CookieJarProcessor struct{}

// NewCookieJarProcessor returns a CookieJarProcessor.
func NewCookieJarProcessor() *CookieJarProcessor {
	return &CookieJarProcessor{}
}

// Process implements endpoint.Processor.
func (p *CookieJarProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	jar := NewCookieJar()
	endpoint.Defer(r.Context(), jar.Flush)
	*r = *r.WithContext(WithCookieJar(r.Context(), jar))
	return next(w, r)
}

var _ endpoint.Processor = (*CookieJarProcessor)(nil)
