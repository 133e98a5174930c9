package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sessions issues and verifies the HS256 bearer tokens the HTTP API
// uses to identify principals.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

func NewSessions(secret []byte, ttl time.Duration) *Sessions {
	return &Sessions{secret: secret, ttl: ttl}
}

// Issue creates a session token for a principal.
func (s *Sessions) Issue(principalID, email string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   principalID,
		"email": email,
		"exp":   time.Now().Add(s.ttl).Unix(),
	})
	return token.SignedString(s.secret)
}

// Verify parses a session token and returns the principal id and email.
func (s *Sessions) Verify(tokenString string) (principalID, email string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		return "", "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", errors.New("invalid token")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", "", fmt.Errorf("token missing subject")
	}
	email, _ = claims["email"].(string)
	return sub, email, nil
}
