// Package server exposes per-user board views over HTTP.
package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

const defaultKeyCacheTTL = 15 * time.Minute

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
	errMissingSubject       = errors.New("missing sub")
	errNoVerifier           = errors.New("token verification is not configured")
)

// Auth extracts the board user from a bearer token.
//
// With a shared secret, tokens must be HS256 signed with it. With a JWKS,
// tokens must be RS256 signed by one of its keys. With neither, every token
// is rejected unless Unverified is set, in which case claims are read as
// they come. That mode is for local development against a mock API.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	Secret     []byte
	Unverified bool

	parser *jwt.Parser
	keys   *kidCache
}

// NewAuth creates an Auth. secret takes precedence over jwks.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string, secret []byte) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer, Secret: secret, keys: newKidCache(defaultKeyCacheTTL)}
	switch {
	case len(secret) > 0:
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	case jwks != nil:
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	default:
		a.parser = jwt.NewParser()
	}
	return a
}

// NewUnverifiedAuth creates an Auth that trusts token claims without a
// signature check.
func NewUnverifiedAuth() *Auth {
	a := NewAuth(nil, "", "", nil)
	a.Unverified = true
	return a
}

// SetKeyCacheTTL changes how long JWKS keys are cached by kid. Zero disables
// the cache.
func (a *Auth) SetKeyCacheTTL(d time.Duration) { a.keys.setTTL(d) }

// Verifies reports whether tokens are checked against a key.
func (a *Auth) Verifies() bool { return len(a.Secret) > 0 || a.JWKS != nil }

// UserFromHeader returns the user named by an Authorization header together
// with the raw bearer token, which is forwarded to the task API.
func (a *Auth) UserFromHeader(h string) (domain.User, string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return domain.User{}, "", err
	}
	user, err := a.UserFromBearer(token)
	if err != nil {
		return domain.User{}, "", err
	}
	return user, token, nil
}

// UserFromBearer parses a raw bearer token.
func (a *Auth) UserFromBearer(token string) (domain.User, error) {
	claims := jwt.MapClaims{}
	var err error
	switch {
	case len(a.Secret) > 0:
		_, err = a.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.Secret, nil
		})
	case a.JWKS != nil:
		_, err = a.parser.ParseWithClaims(token, claims, a.keyForToken)
	case a.Unverified:
		_, _, err = a.parser.ParseUnverified(token, claims)
	default:
		err = errNoVerifier
	}
	if err != nil {
		return domain.User{}, err
	}

	if a.Verifies() {
		now := time.Now().Add(time.Minute).Unix()
		if !claims.VerifyExpiresAt(now, true) {
			return domain.User{}, errors.New("token expired")
		}
		if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
			return domain.User{}, errors.New("invalid audience")
		}
		if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
			return domain.User{}, errors.New("invalid issuer")
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.User{}, errMissingSubject
	}
	return domain.User{
		ID:       sub,
		Username: firstClaim(claims, "username", "preferred_username", "nickname", "name"),
		Role:     domain.Role(strings.ToLower(firstClaim(claims, "role"))),
	}, nil
}

func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if key, ok := a.keys.get(kid); ok {
		return key, nil
	}
	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	a.keys.put(kid, key)
	return key, nil
}

// kidCache remembers resolved JWKS keys by kid for a while, so a busy
// signer does not go through the keyfunc on every request.
type kidCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]kidEntry
}

type kidEntry struct {
	key   any
	until time.Time
}

func newKidCache(ttl time.Duration) *kidCache {
	return &kidCache{ttl: ttl, now: time.Now, entries: make(map[string]kidEntry)}
}

func (c *kidCache) setTTL(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = d
	if d <= 0 {
		clear(c.entries)
	}
}

func (c *kidCache) get(kid string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kid == "" || c.ttl <= 0 {
		return nil, false
	}
	e, ok := c.entries[kid]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.until) {
		delete(c.entries, kid)
		return nil, false
	}
	return e.key, true
}

// put stores key and drops whatever has expired meanwhile.
func (c *kidCache) put(kid string, key any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kid == "" || c.ttl <= 0 {
		return
	}
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.until) {
			delete(c.entries, k)
		}
	}
	c.entries[kid] = kidEntry{key: key, until: now.Add(c.ttl)}
}

func bearerToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

func bearerFromRequest(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	// EventSource cannot set headers, so the stream also accepts ?token=.
	if h == "" {
		if token := c.QueryParam("token"); token != "" {
			h = "Bearer " + token
		}
	}
	return h
}

func unauthorized(c echo.Context, err error) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
}
