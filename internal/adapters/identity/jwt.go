// Package identity resuelve tokens de acceso JWT a usuarios.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/gavel/internal/ports"
	"github.com/golang-jwt/jwt/v5"
)

// Claims son las claims de un token de acceso: user_id y token_type "access",
// como los emite el servicio de autenticación.
type Claims struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// JWTIdentity valida tokens HS256 firmados con un secreto compartido.
type JWTIdentity struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ ports.Identity = (*JWTIdentity)(nil)

func NewJWTIdentity(secret, issuer string) (*JWTIdentity, error) {
	if secret == "" {
		return nil, errors.New("identity.NewJWTIdentity: empty secret")
	}
	return &JWTIdentity{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// WithClock fija el reloj usado para validar exp/nbf (tests).
func (j *JWTIdentity) WithClock(now func() time.Time) *JWTIdentity {
	j.now = now
	return j
}

func (j *JWTIdentity) Authenticate(_ context.Context, token string) (ports.Principal, error) {
	if token == "" {
		return ports.Principal{}, ports.ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return ports.Principal{}, fmt.Errorf("%w: %v", ports.ErrUnauthenticated, err)
	}
	if claims.TokenType != "" && claims.TokenType != "access" {
		return ports.Principal{}, fmt.Errorf("%w: token type %q", ports.ErrUnauthenticated, claims.TokenType)
	}
	if claims.UserID <= 0 {
		return ports.Principal{}, fmt.Errorf("%w: missing user_id", ports.ErrUnauthenticated)
	}
	return ports.Principal{UserID: claims.UserID, Username: claims.Username}, nil
}

// Issue firma un token de acceso para userID válido durante ttl.
func (j *JWTIdentity) Issue(userID int64, username string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := Claims{
		UserID:    userID,
		Username:  username,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("identity.Issue: sign: %w", err)
	}
	return signed, nil
}
