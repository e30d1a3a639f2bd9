// Package auth issues and checks the HMAC-signed bearer tokens that guard the
// control API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by the auth service.
var (
	ErrInvalidToken = errors.New("auth: invalid or expired JWT token")
	ErrInvalidRole  = errors.New("auth: unknown role")
)

// Roles. Viewers may read schedules; operators may also start routines.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// DefaultTokenTTL is the lifetime of issued tokens.
const DefaultTokenTTL = 24 * time.Hour

// Claims holds the authenticated caller extracted from a JWT.
type Claims struct {
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues and validates tokens.
type Service struct {
	jwtSecret []byte
	jwtTTL    time.Duration
}

// NewService creates a new auth service.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    DefaultTokenTTL,
	}
}

// WithTTL returns a copy of s issuing tokens that live for ttl.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl <= 0 {
		return s
	}
	return &Service{jwtSecret: s.jwtSecret, jwtTTL: ttl}
}

// IssueToken signs a token for subject with role.
func (s *Service) IssueToken(subject, role string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("auth: issue token: empty subject")
	}
	if !validRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  jwt.NewNumericDate(now),
		"exp":  jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies a JWT token and returns its claims.
func (s *Service) ValidateJWT(_ context.Context, tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if subject == "" || !validRole(role) {
		return nil, ErrInvalidToken
	}

	iat, _ := claims.GetIssuedAt()
	exp, _ := claims.GetExpirationTime()
	if iat == nil || exp == nil {
		return nil, ErrInvalidToken
	}

	return &Claims{
		Subject:   subject,
		Role:      role,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

func validRole(role string) bool {
	return role == RoleViewer || role == RoleOperator
}

// --- JWT Middleware ---

type contextKey string

const claimsKey contextKey = "claims"

// JWTMiddleware returns a Chi middleware that validates JWT tokens from the
// Authorization header and injects Claims into the request context.
// Invalid or missing tokens result in a 401 response.
func (s *Service) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid authorization header")
			return
		}

		tokenStr := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.ValidateJWT(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOperator rejects callers whose token does not carry the operator
// role. It must run after JWTMiddleware.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || claims.Role != RoleOperator {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClaimsFromContext extracts Claims from the request context.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}
