package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/logging"
	"go.uber.org/zap"
)

// Credential headers on the metered API.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderAPISecret = "X-API-Secret"
)

// SessionUserKey is the session value holding the logged-in user id.
const SessionUserKey = "user_id"

const (
	ctxIdentity = "devkeys.identity"
	ctxUserID   = "devkeys.user_id"
)

// UserResolver extracts the end user from a request authenticated by an external
// login service. ok is false when the request carries no usable user credential.
type UserResolver interface {
	ResolveUser(c *gin.Context) (userID string, ok bool)
}

// JWTUserResolver accepts HS256 bearer tokens and uses the subject as the user id.
type JWTUserResolver struct {
	secret []byte
	issuer string
}

// NewJWTUserResolver creates a resolver. An empty issuer skips the issuer check.
func NewJWTUserResolver(secret, issuer string) *JWTUserResolver {
	return &JWTUserResolver{secret: []byte(secret), issuer: issuer}
}

// ResolveUser implements UserResolver.
func (r *JWTUserResolver) ResolveUser(c *gin.Context) (string, bool) {
	raw, ok := bearerToken(c)
	if !ok || len(r.secret) == 0 {
		return "", false
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	}, opts...)
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// SessionUserResolver reads the user id from a cookie session shared with the
// login service. The sessions middleware must run before it.
type SessionUserResolver struct{}

// ResolveUser implements UserResolver.
func (SessionUserResolver) ResolveUser(c *gin.Context) (string, bool) {
	if _, exists := c.Get(sessions.DefaultKey); !exists {
		return "", false
	}
	v, ok := sessions.Default(c).Get(SessionUserKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// resolvers tries each UserResolver in order.
type resolvers []UserResolver

func (rs resolvers) ResolveUser(c *gin.Context) (string, bool) {
	for _, r := range rs {
		if id, ok := r.ResolveUser(c); ok {
			return id, true
		}
	}
	return "", false
}

func bearerToken(c *gin.Context) (string, bool) {
	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, prefix) || len(header) <= len(prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// managementAuth requires the management token as a bearer token.
func (s *Server) managementAuth() gin.HandlerFunc {
	expected := []byte(s.config.ManagementToken)
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithCode(c, codeUnauthenticated, "missing or invalid Authorization header")
			return
		}
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			abortWithCode(c, codeUnauthenticated, "invalid management token")
			return
		}
		c.Next()
	}
}

// userAuth requires an end-user session and stores the user id on the context.
func (s *Server) userAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := s.users.ResolveUser(c)
		if !ok {
			abortWithCode(c, codeUnauthenticated, "a signed-in user session is required")
			return
		}
		c.Set(ctxUserID, userID)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// apiKeyAuth authenticates X-API-Key / X-API-Secret and stores the identity on
// the context. Every outcome is counted.
func (s *Server) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := s.auth.Authenticate(c.Request.Context(), c.GetHeader(HeaderAPIKey), c.GetHeader(HeaderAPISecret))
		if err != nil {
			code := developer.ErrorCode(err)
			s.metrics.ObserveAuth(code)
			if !errors.Is(err, developer.ErrStoreUnavailable) {
				logging.FromContext(c.Request.Context(), s.logger).Debug("authentication failed", zap.String("code", code), zap.String("client_ip", c.ClientIP()))
			}
			abortWithError(c, s.logger, err)
			return
		}
		s.metrics.ObserveAuth("success")
		c.Set(ctxIdentity, identity)
		c.Request = c.Request.WithContext(logging.WithDeveloperID(c.Request.Context(), identity.ID))
		c.Next()
	}
}

func identityFrom(c *gin.Context) developer.Identity {
	v, _ := c.Get(ctxIdentity)
	id, _ := v.(developer.Identity)
	return id
}

func userFrom(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
