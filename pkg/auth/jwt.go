// Package auth authenticates callers of the admin API, either with a
// signed JWT or with an API key kept in the backing store.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrInvalidRole  = errors.New("unknown role")
)

// Role is a caller's access level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

var roleRank = map[Role]int{
	RoleAdmin:  100,
	RoleViewer: 10,
}

// HasPermission reports whether r is at least required. Unknown roles have
// no permissions.
func (r Role) HasPermission(required Role) bool {
	rank, ok := roleRank[r]
	return ok && rank >= roleRank[required]
}

// ParseRole accepts the names of the known roles.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Claims are the JWT claims the admin API issues and accepts.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

type JWTConfig struct {
	SecretKey   string
	Issuer      string
	TokenExpiry time.Duration
}

func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		SecretKey:   secret,
		Issuer:      "dtypes-admin",
		TokenExpiry: time.Hour,
	}
}

// JWTService signs and verifies HS256 tokens.
type JWTService struct {
	config JWTConfig
	now    func() time.Time
}

func NewJWTService(config JWTConfig) (*JWTService, error) {
	if config.SecretKey == "" {
		return nil, errors.New("JWT secret key is required")
	}
	if config.TokenExpiry <= 0 {
		return nil, fmt.Errorf("token expiry must be positive, got %s", config.TokenExpiry)
	}
	return &JWTService{config: config, now: time.Now}, nil
}

// GenerateToken issues a token for subject with the given role.
func (s *JWTService) GenerateToken(subject string, role Role) (string, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return "", err
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.SecretKey))
}

// ValidateToken verifies signature, issuer and lifetime and returns the claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(s.config.SecretKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
