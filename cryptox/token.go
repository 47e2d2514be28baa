package cryptox

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carried by a session token. The ID (jti) is unique per issued token.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens issues and verifies session tokens signed with a per-process secret.
// Liveness is not encoded in the token: a token is only usable while the
// registry holds it.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewSecret returns 32 random bytes for signing session tokens.
func NewSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

func NewTokens(secret []byte) *Tokens {
	return &Tokens{secret: secret, now: time.Now}
}

// Issue creates a token for login and returns it with its unique id.
func (t *Tokens) Issue(login string) (token, id string, err error) {
	id = uuid.NewString()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  login,
			ID:       id,
			IssuedAt: jwt.NewNumericDate(t.now()),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}
	return token, id, nil
}

// Parse verifies the signature and returns the login and token id.
func (t *Tokens) Parse(token string) (login, id string, err error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.ID, nil
}
