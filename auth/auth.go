package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dotracing/apperr"
)

var (
	ErrMissingSecret = errors.New("auth secret is required")
	ErrInvalidToken  = apperr.Auth("invalid token", nil)
	ErrExpiredToken  = apperr.Auth("token expired", nil)
)

// Claim is the verified content of a signed token.
type Claim struct {
	Subject   string        `json:"sub"`
	ExpiresAt time.Time     `json:"-"`
	Raw       jwt.MapClaims `json:"-"`
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier takes the base64 encoded secret the identity provider signs with.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode auth secret: %w", err)
	}
	return &Verifier{secret: key, now: time.Now}, nil
}

// Verify checks signature and expiry. A token without an exp claim is rejected.
func (v *Verifier) Verify(token string) (*Claim, error) {
	if token == "" {
		return nil, apperr.Auth("missing token", nil)
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, apperr.Auth("invalid token", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken
	}
	sub, _ := claims.GetSubject()

	return &Claim{Subject: sub, ExpiresAt: exp.Time, Raw: claims}, nil
}

// Sign mints a token for subject valid for ttl. Used for development tokens.
func (v *Verifier) Sign(subject string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
