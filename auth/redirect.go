package auth

import (
	"net/url"
	"strings"
)

// DefaultRedirect is the post-login target when none was stored.
const DefaultRedirect = "/"

// SanitizeRedirect reduces raw to a same-origin path. It reports false when
// raw is not origin-relative: empty, absolute, protocol-relative, or
// containing a backslash or control character. Query and fragment are
// dropped.
func SanitizeRedirect(raw string) (string, bool) {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "", false
	}
	if strings.ContainsAny(raw, "\\") {
		return "", false
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return "", false
		}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.Opaque != "" {
		return "", false
	}
	p := u.EscapedPath()
	if p == "" {
		p = DefaultRedirect
	}
	return p, true
}

// PostLoginTarget is the committed redirect path for a stored value.
func PostLoginTarget(stored string) string {
	if p, ok := SanitizeRedirect(stored); ok {
		return p
	}
	return DefaultRedirect
}
