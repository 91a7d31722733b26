package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/openidx/loginguard/internal/common/errors"
	"github.com/openidx/loginguard/internal/common/resilience"
)

const (
	// SubjectKey and RolesKey hold the caller's identity on the gin context
	SubjectKey = "auth_subject"
	RolesKey   = "auth_roles"

	// unknown kids trigger at most one JWKS refetch per interval
	minJWKSRefetch = time.Minute
)

// KeySource resolves the RSA key that signed a token
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSKeys fetches signing keys from an identity provider's JWKS endpoint
// and caches them for ttl.
type JWKSKeys struct {
	url    string
	client resilience.HTTPDoer
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewJWKSKeys(url string, client resilience.HTTPDoer, ttl time.Duration) *JWKSKeys {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWKSKeys{url: url, client: client, ttl: ttl, now: time.Now}
}

func (j *JWKSKeys) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	age := j.now().Sub(j.fetchedAt)
	if key, ok := j.keys[kid]; ok && age < j.ttl {
		return key, nil
	}
	if j.keys != nil && age < minJWKSRefetch {
		if key, ok := j.keys[kid]; ok {
			return key, nil
		}
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}

	keys, err := j.fetch(ctx)
	if err != nil {
		return nil, err
	}
	j.keys, j.fetchedAt = keys, j.now()

	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

func (j *JWKSKeys) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned HTTP %d", resp.StatusCode)
	}

	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks has no RSA signing keys")
	}
	return keys, nil
}

func rsaKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	if exp == 0 {
		return nil, errors.New("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

type accessClaims struct {
	jwt.RegisteredClaims
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Auth accepts only requests carrying an RS-signed bearer token with an
// expiry. issuer is checked when set. The subject and realm roles are
// stored under SubjectKey and RolesKey.
func Auth(keys KeySource, issuer string) gin.HandlerFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		scheme, raw, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
			apperrors.HandleError(c, apperrors.Unauthorized("Missing bearer token"))
			return
		}

		var claims accessClaims
		_, err := parser.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (interface{}, error) {
			kid, _ := tok.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token has no kid header")
			}
			return keys.Key(c.Request.Context(), kid)
		})
		if err != nil {
			apperrors.HandleError(c, apperrors.Unauthorized("Invalid access token").WithDetails(err.Error()))
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Set(RolesKey, claims.RealmAccess.Roles)
		c.Next()
	}
}

// RequireRoles lets the request through when the caller holds any of roles.
// It must run after Auth.
func RequireRoles(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		held, _ := c.Get(RolesKey)
		list, _ := held.([]string)
		for _, r := range roles {
			if slices.Contains(list, r) {
				c.Next()
				return
			}
		}
		apperrors.HandleError(c, apperrors.Forbidden("Insufficient permissions"))
	}
}
