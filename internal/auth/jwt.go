// Package auth adapts bearer tokens issued by the identity service into a
// principal carried on the request context. Signup, login and credential
// storage live elsewhere; this package only verifies and gates.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Ft2801/progetto-PA/internal/model"
)

// Claims represents JWT claims used by this service. Subject is the user id.
type Claims struct {
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	ID    int64
	Role  model.Role
	Name  string
	Email string
}

// ParseToken validates an HS256 token and returns its principal.
func ParseToken(tokenString string, secret []byte) (*Principal, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id < 1 {
		return nil, fmt.Errorf("auth: invalid subject %q", claims.Subject)
	}
	role, ok := model.ParseRole(claims.Role)
	if !ok {
		return nil, fmt.Errorf("auth: invalid role %q", claims.Role)
	}
	return &Principal{ID: id, Role: role, Name: claims.Name, Email: claims.Email}, nil
}

// IssueToken signs a token for p valid for ttl. Used by the dev tooling;
// production tokens come from the identity service.
func IssueToken(p Principal, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth: empty secret")
	}
	if _, ok := model.ParseRole(string(p.Role)); !ok {
		return "", fmt.Errorf("auth: invalid role %q", p.Role)
	}
	claims := Claims{
		Role:  string(p.Role),
		Name:  p.Name,
		Email: p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
