package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/eventrelay/internal/relay"
)

const sessionAudience = "eventrelay"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// sessionClaims are issued by the dashboard login flow. Subject is the chat
// platform user id.
type sessionClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
}

type principal struct {
	UserID   string
	Username string
}

// IssueSessionToken signs a dashboard session for userID.
func IssueSessionToken(secret, userID, username string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: username,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseSession(raw, secret string, now time.Time) (principal, *authError) {
	if raw == "" {
		return principal{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(sessionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid session token"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			message = "token expired"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			message = "invalid aud claim"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			message = "jwt signature mismatch"
		case errors.Is(err, jwt.ErrTokenMalformed):
			message = "invalid jwt format"
		}
		return principal{}, &authError{status: 401, code: "unauthorized", message: message}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return principal{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	return principal{UserID: claims.Subject, Username: claims.Username}, nil
}

func sessionFromHeader(authHeader, secret string, now time.Time) (principal, *authError) {
	return parseSession(relay.BearerToken(authHeader), secret, now)
}
