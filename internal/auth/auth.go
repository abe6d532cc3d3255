// Package auth issues and verifies the signed session token and checks passwords.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/spfa-lab/patientsim/internal/model"
)

const (
	// CookieName is the cookie carrying the session token.
	CookieName = "auth_token"
	// TokenLifetime is how long an issued token stays valid.
	TokenLifetime = 7 * 24 * time.Hour
)

// Claims is the payload of a session token.
type Claims struct {
	UserID int64  `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies session tokens with an HMAC secret.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer returns an Issuer. A zero lifetime means TokenLifetime.
func NewIssuer(secret string, lifetime time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if lifetime <= 0 {
		lifetime = TokenLifetime
	}
	return &Issuer{secret: []byte(secret), lifetime: lifetime, now: time.Now}, nil
}

// Issue creates a signed token for u.
func (i *Issuer) Issue(u model.User) (string, error) {
	now := i.now()
	claims := &Claims{
		UserID: u.ID,
		Email:  u.Email,
		Role:   string(u.Role),
		Name:   u.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(u.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify returns the user embedded in token, or nil if the token is
// malformed, expired or badly signed. Callers cannot tell these apart.
func (i *Issuer) Verify(token string) *model.User {
	if token == "" {
		return nil
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return nil
	}
	role := model.UserRole(claims.Role)
	if claims.UserID == 0 || !role.IsValid() {
		return nil
	}
	return &model.User{ID: claims.UserID, Email: claims.Email, Name: claims.Name, Role: role}
}

// UserFinder looks users up by email.
type UserFinder interface {
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// dummyHash keeps the cost of a failed lookup close to a failed comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("patientsim-dummy-password"), bcrypt.DefaultCost)

// Authenticate returns the user matching email and password, or nil. An
// unknown email and a wrong password look the same to the caller. The error
// is only set when the lookup itself fails.
func Authenticate(ctx context.Context, users UserFinder, email, password string) (*model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, nil
	}
	u, err := users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, nil
	}
	return u, nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// SetCookie delivers token to the client for the whole site.
func SetCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(TokenLifetime / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie replaces the token with an empty, already expired cookie.
// Tokens are stateless: a copy of the old token stays valid until it expires.
func ClearCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
