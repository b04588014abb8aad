package blob

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Grant modes.
const (
	ModeRead  = "read"
	ModeWrite = "write"
)

// ErrInvalidGrant reports an unusable bearer token.
var ErrInvalidGrant = errors.New("invalid grant token")

// Grant scopes filesystem access to a key prefix for a limited time.
type Grant struct {
	PathPrefix string
	Mode       string
	ExpiresAt  time.Time
}

// Allows reports whether the grant covers an access to key.
func (g Grant) Allows(key, mode string) bool {
	if mode == ModeWrite && g.Mode != ModeWrite {
		return false
	}
	return strings.HasPrefix(key, g.PathPrefix)
}

type grantClaims struct {
	PathPrefix string `json:"pathPrefix"`
	Mode       string `json:"mode"`
	jwt.RegisteredClaims
}

// GrantService issues and verifies the HMAC bearer tokens handed out by
// the filesystem authorization RPC.
type GrantService struct {
	secret []byte
	now    func() time.Time
}

// NewGrantService builds the grant signer.
func NewGrantService(secret string) *GrantService {
	return &GrantService{secret: []byte(secret), now: time.Now}
}

// Issue signs a grant for pathPrefix valid for ttl.
func (s *GrantService) Issue(pathPrefix, mode string, ttl time.Duration) (string, Grant, error) {
	if len(s.secret) == 0 {
		return "", Grant{}, errors.New("grant signing secret not configured")
	}
	pathPrefix, err := CleanKey(pathPrefix)
	if err != nil {
		return "", Grant{}, err
	}
	if mode != ModeRead && mode != ModeWrite {
		return "", Grant{}, fmt.Errorf("unknown grant mode %q", mode)
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	expires := s.now().Add(ttl)
	claims := grantClaims{
		PathPrefix: pathPrefix,
		Mode:       mode,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", Grant{}, err
	}
	return token, Grant{PathPrefix: pathPrefix, Mode: mode, ExpiresAt: expires}, nil
}

// Verify parses a bearer token back into its grant.
func (s *GrantService) Verify(token string) (Grant, error) {
	if len(s.secret) == 0 {
		return Grant{}, ErrInvalidGrant
	}
	parsed, err := jwt.ParseWithClaims(token, &grantClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !parsed.Valid {
		return Grant{}, ErrInvalidGrant
	}
	claims, ok := parsed.Claims.(*grantClaims)
	if !ok || claims.PathPrefix == "" {
		return Grant{}, ErrInvalidGrant
	}
	g := Grant{PathPrefix: claims.PathPrefix, Mode: claims.Mode}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}
