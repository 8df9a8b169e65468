package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeSyncRead       = "sync:read"
	ScopeSyncWrite      = "sync:write"
	ScopeConflictsWrite = "conflicts:write"

	DefaultAudience = "trialsync"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims are the bearer token claims the control API accepts. Subject names
// the client, usually the UI shell of one device.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// IssueToken signs an HS256 token for subject with the given scopes.
func IssueToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{DefaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (*Claims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return nil, err
	}
	if requiredScope != "" && !claims.HasScope(requiredScope) {
		return nil, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (*Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(DefaultAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "jwt signature mismatch"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid aud claim"}
	default:
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid jwt"}
	}
	if claims.Subject == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}
