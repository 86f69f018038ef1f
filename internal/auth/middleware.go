// Package auth gates the registry's HTTP operations on a role carried in a
// signed bearer token. Identity management lives outside the registry.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Roles
const (
	RoleVerifier = "verifier"
	RoleBuyer    = "buyer"
	RoleOwner    = "project_owner"
)

const principalKey = "auth.principal"

// Principal is the authenticated caller
type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// Claims are the token claims issued to registry callers
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// IssueToken signs a token for subject with role
func (a *Authenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns its principal
func (a *Authenticator) Parse(token string) (*Principal, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" || claims.Role == "" {
		return nil, errors.New("invalid token: subject and role are required")
	}
	return &Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// Authenticate requires a valid bearer token
func (a *Authenticator) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := a.authenticate(c); !ok {
			return
		}
		c.Next()
	}
}

// RequireRole authenticates the caller and admits only the given roles
func (a *Authenticator) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := a.authenticate(c)
		if !ok {
			return
		}
		if !slices.Contains(roles, principal.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

// authenticate resolves the caller, aborting the request when it cannot
func (a *Authenticator) authenticate(c *gin.Context) (Principal, bool) {
	if principal, ok := PrincipalFrom(c); ok {
		return principal, true
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return Principal{}, false
	}
	principal, err := a.Parse(strings.TrimSpace(token))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return Principal{}, false
	}
	c.Set(principalKey, *principal)
	return *principal, true
}

// PrincipalFrom returns the principal set by Authenticate
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	value, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}
