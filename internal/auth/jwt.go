// Package auth verifies the signed tokens clients present when opening
// a websocket connection. Tokens are issued by the account service and
// carry the user's ID and username.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: expired token")
)

// Claims is the token payload. The subject holds the user ID as a
// decimal string.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens against a shared secret. It
// implements the websocket server's Authenticator interface.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: empty secret")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Authenticate parses and validates a token, returning the user ID and
// username it carries.
func (v *Verifier) Authenticate(credential string) (int64, string, error) {
	token, err := jwt.ParseWithClaims(
		credential,
		&Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, "", ErrExpiredToken
		}
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return 0, "", ErrInvalidToken
	}
	if claims.Subject == "" || claims.Username == "" {
		return 0, "", fmt.Errorf("%w: missing subject or username", ErrInvalidToken)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, "", fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}
	return userID, claims.Username, nil
}

// IssueToken signs a token for the given user. Used by tests and the
// local development tooling; production tokens come from the account
// service.
func (v *Verifier) IssueToken(userID int64, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
