// Package auth verifies connection credentials and resolves them into
// player identities. The realtime layer never inspects tokens itself; it
// only ever sees an Identity produced here.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated representation of a player. SubjectID is
// the stable key for a player across reconnects (the token subject claim,
// typically an email address).
type Identity struct {
	Name      string
	SubjectID string
}

// ErrInvalidToken is returned when a token fails signature or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Verifier validates HMAC-signed connection tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given signing secret.
//
// Precondition: secret must be non-empty.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token and resolves the carried identity.
//
// Postcondition: Returns the Identity with non-empty SubjectID, or
// ErrInvalidToken if the token is missing, malformed, expired, or
// carries no subject.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}

	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}

	return Identity{Name: name, SubjectID: sub}, nil
}

// Issue signs a token for the given identity, valid for ttl. It exists for
// the token-issuance endpoint and for tests; the realtime layer only calls
// Verify.
//
// Precondition: id.SubjectID must be non-empty; ttl must be positive.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  id.SubjectID,
		"name": id.Name,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
