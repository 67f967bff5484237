// Package token issues and verifies the short-lived access tokens a client
// presents when it opens a sync connection.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docsync/internal/access"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("expired token")
)

// Claims is what a verified token grants. UserID is empty for anonymous
// viewers.
type Claims struct {
	DocumentID string
	UserID     string
	Level      access.Level
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

type Token struct {
	Value     string
	Level     access.Level
	ExpiresAt time.Time
}

type jwtClaims struct {
	Document string       `json:"doc"`
	Level    access.Level `json:"lvl"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// WithClock returns a copy of the issuer reading time from now.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	copied := *i
	copied.now = now
	return &copied
}

func (i *Issuer) Issue(documentID, userID string, level access.Level, ttl time.Duration) (Token, error) {
	if strings.TrimSpace(documentID) == "" {
		return Token{}, fmt.Errorf("issue token: document id is required")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("issue token: ttl must be positive")
	}
	issuedAt := i.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)

	claims := jwtClaims{
		Document: documentID,
		Level:    level,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, Level: level, ExpiresAt: expiresAt}, nil
}

// Verify checks signature and expiry. The access level is taken from the
// token as issued; it is never recomputed here.
func (i *Issuer) Verify(value string) (Claims, error) {
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(value, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, ErrInvalid
	}
	if claims.Document == "" {
		return Claims{}, ErrInvalid
	}

	result := Claims{
		DocumentID: claims.Document,
		UserID:     claims.Subject,
		Level:      claims.Level,
		ExpiresAt:  claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	return result, nil
}
