// Package auth issues and verifies the signed, time-limited session tokens
// that identify a user on HTTP requests and websocket connections.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"chatsync/config"
	"chatsync/errs"
)

// Error codes sent to clients.
const (
	CodeExpired = "AUTH_EXPIRED"
	CodeInvalid = "AUTH_INVALID"
	CodeMissing = "AUTH_REQUIRED"
)

const keyInfo = "chatsync session token v1"

type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated identity attached to a request or connection.
type Principal struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Expired reports whether the token behind the principal has lapsed.
func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer derives the HMAC key from the configured secret so the raw secret
// never signs anything directly.
func NewIssuer(cfg config.AuthConfig) (*Issuer, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &Issuer{key: key, issuer: cfg.Issuer, ttl: cfg.TokenTTL, now: time.Now}, nil
}

// WithClock replaces the time source; used by tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *i
	cp.now = now
	return &cp
}

// Issue signs a token for the user valid for the configured TTL.
func (i *Issuer) Issue(userID, username string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and expiry. Failures are Authentication
// errors with code AUTH_EXPIRED or AUTH_INVALID.
func (i *Issuer) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, errs.Authentication(CodeMissing, "authentication required", nil)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, errs.Authentication(CodeExpired, "session expired", err)
		}
		return Principal{}, errs.Authentication(CodeInvalid, "invalid session token", err)
	}
	if claims.Subject == "" {
		return Principal{}, errs.Authentication(CodeInvalid, "invalid session token", errors.New("missing subject"))
	}

	return Principal{
		UserID:    claims.Subject,
		Username:  claims.Username,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
