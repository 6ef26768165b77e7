package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the caller resolved from a bearer token and passed explicitly into each operation.
type Identity struct {
	UserID int64
	Role   Role
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// TokenParser verifies HS256 tokens issued by the identity collaborator.
type TokenParser struct {
	signingKey []byte
}

func NewTokenParser(signingKey string) *TokenParser {
	return &TokenParser{signingKey: []byte(signingKey)}
}

func (p *TokenParser) Parse(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid || claims.UserID == 0 {
		return Identity{}, ErrInvalidToken
	}

	switch claims.Role {
	case RolePatient, RoleDoctor, RoleAdmin:
	default:
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// Issue signs a token for id. Production tokens come from the identity service;
// this is used by tooling and tests.
func (p *TokenParser) Issue(id Identity, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID: id.UserID,
		Role:   id.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
