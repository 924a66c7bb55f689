// Package jwt verifies HS256 access tokens issued by the identity provider
// and exposes the session claims the billing service authorizes on.
package jwt

import (
	"errors"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the app_metadata role granting access to other subscribers' records.
const RoleAdmin = "admin"

// AppMetadata is the provider-managed metadata embedded in the token.
type AppMetadata struct {
	Role string `json:"role,omitempty"`
}

// Claims are the session claims of an access token.
// Subject carries the subscriber ID.
type Claims struct {
	gojwt.RegisteredClaims
	Email       string      `json:"email,omitempty"`
	Role        string      `json:"role,omitempty"`
	AppMetadata AppMetadata `json:"app_metadata"`
}

// IsAdmin reports whether the session may act on any subscriber.
func (c *Claims) IsAdmin() bool {
	return c.AppMetadata.Role == RoleAdmin
}

// Config holds verifier settings.
type Config struct {
	Secret   string        `env:"AUTH_JWT_SECRET,required"`
	Issuer   string        `env:"AUTH_JWT_ISSUER"`
	Audience string        `env:"AUTH_JWT_AUDIENCE" envDefault:"authenticated"`
	Leeway   time.Duration `env:"AUTH_JWT_LEEWAY" envDefault:"30s"`
}

// Service signs and verifies tokens with a shared HMAC key.
type Service struct {
	key    []byte
	parser *gojwt.Parser
}

// New creates a Service from cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSigningKey
	}
	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, gojwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, gojwt.WithAudience(cfg.Audience))
	}
	return &Service{key: []byte(cfg.Secret), parser: gojwt.NewParser(opts...)}, nil
}

// Generate signs claims with HS256.
func (s *Service) Generate(claims *Claims) (string, error) {
	if claims == nil {
		return "", ErrMissingClaims
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse verifies the signature and temporal claims of token.
func (s *Service) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return s.key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, gojwt.ErrTokenExpired):
		return nil, errors.Join(ErrExpiredToken, err)
	case errors.Is(err, gojwt.ErrTokenSignatureInvalid), errors.Is(err, gojwt.ErrTokenUnverifiable):
		return nil, errors.Join(ErrInvalidSignature, err)
	default:
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
