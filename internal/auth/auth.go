// Package auth guards the admin API. Callers authenticate either with the
// static X-API-Token or with a bearer JWT issued by this service.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	tokenauth "proxyplane/pkg/auth"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"

	accessTTL  = 15 * time.Minute
	refreshTTL = 7 * 24 * time.Hour

	tokenSubject = "api-token"
)

var (
	ErrUnauthenticated = errors.New("missing credentials")
	ErrInvalidToken    = errors.New("invalid token")
	ErrJWTDisabled     = errors.New("jwt auth not configured")
)

type Claims struct {
	Subject string
	Role    string
	Refresh bool
}

type jwtClaims struct {
	Role    string `json:"role"`
	Refresh bool   `json:"refresh,omitempty"`
	jwt.RegisteredClaims
}

type Service struct {
	secret    []byte
	tokenHash string
	now       func() time.Time
}

// NewService accepts an HMAC secret for JWTs and the bcrypt hash of the
// static API token. Either may be empty, which disables that method.
func NewService(secret, tokenHash string) *Service {
	return &Service{secret: []byte(secret), tokenHash: tokenHash, now: time.Now}
}

// GenerateTokens returns an access token and a refresh token for subject.
func (s *Service) GenerateTokens(subject, role string) (string, string, error) {
	if len(s.secret) == 0 {
		return "", "", ErrJWTDisabled
	}
	now := s.now()
	access, err := s.sign(jwtClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	if err != nil {
		return "", "", err
	}
	refresh, err := s.sign(jwtClaims{
		Role:    role,
		Refresh: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(refreshTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Service) sign(c jwtClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

func (s *Service) ParseToken(tokenStr string) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, ErrJWTDisabled
	}
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	c, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &Claims{Subject: c.Subject, Role: c.Role, Refresh: c.Refresh}, nil
}

// Refresh exchanges a refresh token for a new pair.
func (s *Service) Refresh(refreshToken string) (string, string, error) {
	claims, err := s.ParseToken(refreshToken)
	if err != nil {
		return "", "", err
	}
	if !claims.Refresh {
		return "", "", ErrInvalidToken
	}
	return s.GenerateTokens(claims.Subject, claims.Role)
}

// Authenticate resolves the caller of r. The static API token maps to the
// admin role. Refresh tokens are not accepted here.
func (s *Service) Authenticate(r *http.Request) (*Claims, error) {
	if tok := r.Header.Get(tokenauth.TokenHeader); tok != "" {
		if tokenauth.CheckToken(s.tokenHash, tok) {
			return &Claims{Subject: tokenSubject, Role: RoleAdmin}, nil
		}
		return nil, ErrInvalidToken
	}
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return nil, ErrUnauthenticated
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrInvalidToken
	}
	claims, err := s.ParseToken(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	if claims.Refresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type ctxKey string

const claimsKey ctxKey = "claims"

func ClaimsFromContext(ctx context.Context) *Claims {
	val, ok := ctx.Value(claimsKey).(*Claims)
	if !ok {
		return nil
	}
	return val
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.Authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole must run after RequireAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil || claims.Role != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
