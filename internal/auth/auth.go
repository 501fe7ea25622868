// Package auth is the identity-verifier boundary. The relay core never
// validates credentials itself; by the time a user id reaches the registry
// it is trusted. This package is where that trust is established, either by
// deferring to an upstream gateway (query parameter) or by checking a JWT
// the gateway minted.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired indicates that the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken indicates that the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrIdentityMissing indicates the request carried no identity at all
	ErrIdentityMissing = errors.New("identity missing")
)

// Verifier yields the trusted user id for an upgrade request.
type Verifier interface {
	UserID(r *http.Request) (string, error)
}

// New picks a verifier: JWT when a secret is configured, the trusted query
// parameter otherwise.
func New(jwtSecret string) Verifier {
	if jwtSecret != "" {
		return &JWTVerifier{secret: []byte(jwtSecret)}
	}
	return QueryVerifier{}
}

// QueryVerifier trusts the userId query parameter, assuming an upstream
// gateway already authenticated the request.
type QueryVerifier struct{}

// UserID extracts the user id from the request query.
func (QueryVerifier) UserID(r *http.Request) (string, error) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		return "", ErrIdentityMissing
	}
	return userID, nil
}

// Claims represents JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier validates an HMAC-signed bearer token and extracts its user id.
type JWTVerifier struct {
	secret []byte
}

// UserID extracts and validates the token from the request.
func (v *JWTVerifier) UserID(r *http.Request) (string, error) {
	tokenString, err := extractToken(r)
	if err != nil {
		return "", err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// extractToken pulls the token from the Authorization header or, since
// browser WebSocket clients cannot set headers, the token query parameter.
func extractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer "), nil
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	return "", ErrIdentityMissing
}
