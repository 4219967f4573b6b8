package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid cookie format")
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
	ErrCookieMissing = errors.New("cookie not present")
)

// maxCookieLen bounds the attacker-controlled data we decode per cookie.
// ID tokens from some providers run past 2KB, sealing adds roughly a third.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key size for the default AEAD (XChaCha20-Poly1305).
const DefaultAEADKeysize = chacha20poly1305.KeySize

// SecureCookie is a sealed cookie bound to one name and scope.
type SecureCookie interface {
	// Name returns the cookie name.
	Name() string
	// Path returns the cookie path scope.
	Path() string
	Encode(plain any, maxAge int) (*http.Cookie, error)
	Decode(cookie *http.Cookie, v any) error
	// Read finds the cookie on r and decodes it into v.
	Read(r *http.Request, v any) error
	// Clear returns an http.Cookie that deletes this cookie in the client.
	Clear() *http.Cookie
}

// SecureCookieCodec seals and opens cookie values with a rotating key set.
// One codec is shared by every cookie the application issues.
type SecureCookieCodec struct {
	KeyID string
	Keys  map[string][]byte

	// NewAEAD constructs the AEAD used to seal/open cookies.
	// Defaults to chacha20poly1305.NewX.
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewSecureCookieCodec validates keys and returns a codec sealing with keyID.
// newAEAD may be nil to use XChaCha20-Poly1305.
func NewSecureCookieCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*SecureCookieCodec, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key id %q not in key set", ErrCookieConfig, keyID)
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	for id, k := range keys {
		if strings.Contains(id, ".") || id == "" {
			return nil, fmt.Errorf("%w: key id %q must be non-empty and contain no '.'", ErrCookieConfig, id)
		}
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
	}
	return &SecureCookieCodec{
		KeyID:   keyID,
		Keys:    keys,
		NewAEAD: newAEAD,
	}, nil
}

// Seal encrypts plainBytes. aad binds the ciphertext to its cookie scope.
func (sc *SecureCookieCodec) Seal(plainBytes []byte, aad []byte) (string, error) {
	if sc == nil {
		return "", ErrCookieConfig
	}
	key, ok := sc.Keys[sc.KeyID]
	if !ok {
		return "", ErrCookieConfig
	}
	aead, err := sc.NewAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plainBytes, aad)
	return sc.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal under any key in the key set.
func (sc *SecureCookieCodec) Open(value string, aad []byte) ([]byte, error) {
	if sc == nil {
		return nil, ErrCookieConfig
	}
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, encB64, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encB64 == "" {
		return nil, ErrCookieFormat
	}
	key, ok := sc.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}

	sealed, err := base64.RawURLEncoding.DecodeString(encB64)
	if err != nil {
		return nil, ErrCookieFormat
	}

	aead, err := sc.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	b, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return b, nil
}

// SecureCookieAEAD is a SecureCookie sealed by a shared SecureCookieCodec.
//
// Format: [keyId] "." base64url(nonce || AEAD.Seal(cbor(value), aad))
// where aad = name ":" domain ":" path ":" secure.
// Cookies are always HttpOnly.
type SecureCookieAEAD struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	codec *SecureCookieCodec

	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	now       func() time.Time
}

// SecureCookieOption configures a SecureCookieAEAD.
type SecureCookieOption func(*SecureCookieAEAD)

// WithMarshalUnmarshal configures custom marshal/unmarshal functions.
func WithMarshalUnmarshal(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.marshal = marshal
		sc.unmarshal = unmarshal
	}
}

// WithPath configures the cookie path.
func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.path = path
	}
}

// WithDomain configures the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.domain = domain
	}
}

// WithSecure configures the cookie secure flag.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.secure = secure
	}
}

// WithSameSite configures the cookie SameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.sameSite = sameSite
	}
}

// WithClock overrides the time source used for Expires.
func WithClock(now func() time.Time) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.now = now
	}
}

// NewSecureCookie creates a sealed cookie named cookieName using codec.
//
// Defaults:
//   - Domain: ""
//   - Path: /
//   - HttpOnly: true (not configurable)
//   - Secure: true
//   - SameSite: Lax
//   - Encoding: CBOR
func NewSecureCookie(cookieName string, codec *SecureCookieCodec, opts ...SecureCookieOption) (*SecureCookieAEAD, error) {
	if cookieName == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: nil codec", ErrCookieConfig)
	}
	sc := &SecureCookieAEAD{
		name:      cookieName,
		codec:     codec,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
		path:      "/",
		secure:    true,
		sameSite:  http.SameSiteLaxMode,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	return sc, nil
}

// Name returns the cookie name.
func (sc *SecureCookieAEAD) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

// Path returns the cookie path.
func (sc *SecureCookieAEAD) Path() string {
	if sc == nil {
		return ""
	}
	return sc.path
}

func (sc *SecureCookieAEAD) aad() []byte {
	secureStr := "f"
	if sc.secure {
		secureStr = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secureStr)
}

// Encode marshals and seals plain into a cookie living maxAge seconds.
func (sc *SecureCookieAEAD) Encode(plain any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	if sc.codec == nil || sc.marshal == nil {
		return nil, ErrCookieConfig
	}

	plainBytes, err := sc.marshal(plain)
	if err != nil {
		return nil, err
	}

	val, err := sc.codec.Seal(plainBytes, sc.aad())
	if err != nil {
		return nil, err
	}

	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
		Expires:  sc.now().Add(time.Duration(maxAge) * time.Second),
	}, nil
}

// Decode opens cookie and unmarshals its value into v.
func (sc *SecureCookieAEAD) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	if sc.codec == nil || sc.unmarshal == nil {
		return ErrCookieConfig
	}

	plainBytes, err := sc.codec.Open(cookie.Value, sc.aad())
	if err != nil {
		return err
	}
	return sc.unmarshal(plainBytes, v)
}

// Read decodes the request's cookie into v. Browsers may send several
// cookies with the same name from different paths; the first one that
// opens wins.
func (sc *SecureCookieAEAD) Read(r *http.Request, v any) error {
	var lastErr error = ErrCookieMissing
	for _, c := range r.Cookies() {
		if c.Name != sc.name {
			continue
		}
		if err := sc.Decode(c, v); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Clear returns a cookie that deletes this cookie in the client.
func (sc *SecureCookieAEAD) Clear() *http.Cookie {
	if sc == nil {
		return nil
	}
	return sc.ClearAt(sc.path)
}

// ClearAt returns a deletion cookie for the same name scoped to path.
func (sc *SecureCookieAEAD) ClearAt(path string) *http.Cookie {
	if sc == nil {
		return nil
	}
	return &http.Cookie{
		Name:     sc.name,
		Domain:   sc.domain,
		Path:     path,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: sc.sameSite,
		Value:    "",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}

var _ SecureCookie = (*SecureCookieAEAD)(nil)
