package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clubhouse/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenExpiry = 24 * time.Hour

// ErrAuthFailed covers every credential failure: malformed token, bad
// signature, expired claims, missing user id. The caller must refuse the
// connection; details are logged, never sent to the client.
var ErrAuthFailed = errors.New("authentication failed")

// Claims is the shape of the session tokens issued by the portal's
// credential service. The gateway only verifies them.
type Claims struct {
	UserName    string `json:"userName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	// Secret is the HS256 key shared with the credential issuer.
	Secret      string
	TokenExpiry time.Duration
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("auth secret is required")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

// verifiedIdentity is a cache entry. The entry carries the token's own
// expiry: the cache must never outlive the claims it fronts.
type verifiedIdentity struct {
	user      models.User
	expiresAt time.Time
}

// Service verifies credential tokens and caches the verified identity for
// the token's remaining lifetime so that the REST surface does not pay the
// signature check on every request.
type Service struct {
	Config
	verified geche.Geche[string, verifiedIdentity]
	now      func() time.Time
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:   config,
		verified: geche.NewMapTTLCache[string, verifiedIdentity](ctx, config.TokenExpiry, time.Minute),
		now:      time.Now,
	}, nil
}

// Verify checks the credential token and returns the authenticated user.
func (s *Service) Verify(token string) (models.User, error) {
	if id, err := s.verified.Get(token); err == nil {
		if s.now().Before(id.expiresAt) {
			return id.user, nil
		}
		s.verified.Del(token)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.Secret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return models.User{}, ErrAuthFailed
	}
	if claims.Subject == "" {
		return models.User{}, ErrAuthFailed
	}

	user := models.User{
		ID:          claims.Subject,
		UserName:    claims.UserName,
		DisplayName: claims.DisplayName,
		AvatarURL:   claims.AvatarURL,
	}
	if user.DisplayName == "" {
		user.DisplayName = user.UserName
	}

	expiresAt := s.now().Add(s.TokenExpiry)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expiresAt) {
		expiresAt = claims.ExpiresAt.Time
	}
	s.verified.Set(token, verifiedIdentity{user: user, expiresAt: expiresAt})

	return user, nil
}

// IssueToken signs a session token for the given user. The production
// issuer lives in the portal; this is used by tests and the terminal
// client.
func (s *Service) IssueToken(user models.User) (string, error) {
	now := s.now()
	claims := &Claims{
		UserName:    user.UserName,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TokenExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.Secret))
}
