package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GuestPurpose marks tokens minted after e-mail OTP verification. They
// authorize exactly one thing: a guest triage submission.
const GuestPurpose = "guest_triage"

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	jwt.RegisteredClaims
	Email   string `json:"email,omitempty"`
	Role    string `json:"role,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// TokenIssuer signs and verifies HS256 tokens with a shared secret.
type TokenIssuer struct {
	secret   []byte
	ttl      time.Duration
	guestTTL time.Duration
	now      func() time.Time
}

func NewTokenIssuer(secret string, ttl, guestTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:   []byte(secret),
		ttl:      ttl,
		guestTTL: guestTTL,
		now:      time.Now,
	}
}

// IssueSession returns a session token for a signed-in user.
func (i *TokenIssuer) IssueSession(userID, email, role string) (string, error) {
	now := i.now()
	return i.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Email: email,
		Role:  role,
	})
}

// IssueGuest returns a short-lived token proving control of email.
func (i *TokenIssuer) IssueGuest(email string) (string, error) {
	now := i.now()
	return i.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.guestTTL)),
		},
		Email:   email,
		Purpose: GuestPurpose,
	})
}

func (i *TokenIssuer) sign(claims Claims) (string, error) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// Parse verifies signature and expiry and returns the claims.
func (i *TokenIssuer) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseGuest verifies a guest token and returns the verified e-mail.
func (i *TokenIssuer) ParseGuest(tokenStr string) (string, error) {
	claims, err := i.Parse(tokenStr)
	if err != nil {
		return "", err
	}
	if claims.Purpose != GuestPurpose || claims.Email == "" {
		return "", ErrInvalidToken
	}
	return claims.Email, nil
}
