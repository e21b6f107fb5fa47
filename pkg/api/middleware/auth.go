package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/auth"
)

const (
	AuthHeaderKey   = "Authorization"
	APIKeyHeaderKey = "X-API-Key"
	ContextUserKey  = "user"
	// ContextAuthMethodKey holds "jwt" or "apikey" once a caller is authenticated.
	ContextAuthMethodKey = "auth_method"
)

// errNoCredentials means the request did not carry this kind of credential.
var errNoCredentials = errors.New("no credentials")

// AuthConfig selects the accepted credentials. A nil JWTService or
// APIKeyStore disables that method.
type AuthConfig struct {
	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore
	SkipPaths   []string // exact paths, or prefixes ending in *
	Logger      *zap.Logger
}

type credential struct {
	method string
	check  func(c *gin.Context) (*auth.Claims, error)
}

// AuthMiddleware requires a Bearer token or an X-API-Key header on every
// path not listed in SkipPaths. Credentials are tried in that order.
func AuthMiddleware(config AuthConfig) gin.HandlerFunc {
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var chain []credential
	if config.JWTService != nil {
		chain = append(chain, credential{"jwt", bearer(config.JWTService)})
	}
	if config.APIKeyStore != nil {
		chain = append(chain, credential{"apikey", apiKey(config.APIKeyStore)})
	}

	return func(c *gin.Context) {
		for _, p := range config.SkipPaths {
			if matchPath(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}

		for _, cred := range chain {
			claims, err := cred.check(c)
			if errors.Is(err, errNoCredentials) {
				continue
			}
			if err != nil {
				log.Debug("credential rejected",
					zap.String("method", cred.method),
					zap.String("request_id", c.GetString(ContextRequestIDKey)),
					zap.Error(err),
				)
				continue
			}
			c.Set(ContextUserKey, claims)
			c.Set(ContextAuthMethodKey, cred.method)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "unauthenticated",
			"hint":  "send Authorization: Bearer <token> or " + APIKeyHeaderKey,
		})
	}
}

func bearer(svc *auth.JWTService) func(*gin.Context) (*auth.Claims, error) {
	return func(c *gin.Context) (*auth.Claims, error) {
		scheme, token, ok := strings.Cut(c.GetHeader(AuthHeaderKey), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return nil, errNoCredentials
		}
		return svc.ValidateToken(strings.TrimSpace(token))
	}
}

// apiKey maps a stored key onto claims so RequireRole treats both
// credential kinds alike.
func apiKey(store auth.APIKeyStore) func(*gin.Context) (*auth.Claims, error) {
	return func(c *gin.Context) (*auth.Claims, error) {
		key := c.GetHeader(APIKeyHeaderKey)
		if key == "" {
			return nil, errNoCredentials
		}
		info, err := store.ValidateKey(c.Request.Context(), key)
		if err != nil {
			return nil, err
		}
		return &auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: info.Name, ID: info.ID},
			Role:             info.Role,
		}, nil
	}
}

// GetUserFromContext returns the claims AuthMiddleware stored.
func GetUserFromContext(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// RequireRole aborts unless the authenticated caller has at least required.
func RequireRole(required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetUserFromContext(c)
		switch {
		case !ok:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		case !claims.Role.HasPermission(required):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "role " + string(claims.Role) + " cannot do this, need " + string(required),
			})
		default:
			c.Next()
		}
	}
}

// matchPath supports a trailing wildcard: /api/* matches /api/anything.
func matchPath(path, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == pattern
}
