// Package busauth gates the Bus Façade's mutating calls behind a bearer
// token, scoped to a single configured operator account rather than a
// multi-user admin panel.
package busauth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by Authenticate on a username or
// password mismatch.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrInvalidToken is returned by Validate when the token is malformed,
// expired, or signed with a different secret.
var ErrInvalidToken = errors.New("invalid or expired token")

// tokenTTL matches the teacher's admin session lifetime.
const tokenTTL = 12 * time.Hour

// Claims is the JWT payload minted for an authenticated operator.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service issues and validates bearer tokens for a single operator
// account. A disabled Service treats every call as already authenticated,
// matching the teacher's Enabled() escape hatch for local/dev use.
type Service struct {
	enabled  bool
	username string
	password string
	secret   []byte
}

// Config carries the subset of internal/config's Bus.Auth block Service
// needs.
type Config struct {
	Enabled   bool
	Username  string
	Password  string
	JWTSecret string
}

// New builds a Service from cfg, filling in the same fallback defaults
// the teacher's NewAuthService applies when a field is left blank.
func New(cfg Config) *Service {
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "root"
	}
	password := strings.TrimSpace(cfg.Password)
	if password == "" {
		password = "tbauthd"
	}
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		secret = "tbauthd-default-secret"
	}
	return &Service{
		enabled:  cfg.Enabled,
		username: username,
		password: password,
		secret:   []byte(secret),
	}
}

// Enabled reports whether bus calls require a bearer token.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Authenticate checks username/password and, on success, mints a signed
// bearer token. Returns an empty token with no error when auth is
// disabled, so callers can always forward the result to a client.
func (s *Service) Authenticate(username, password string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if !s.matchUsername(username) || !s.matchPassword(password) {
		return "", ErrInvalidCredentials
	}
	claims := Claims{
		Username: s.username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a bearer token, returning its claims.
// When auth is disabled it always succeeds with an anonymous claim.
func (s *Service) Validate(token string) (*Claims, error) {
	if !s.Enabled() {
		return &Claims{Username: "anonymous"}, nil
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) matchUsername(input string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(input)), []byte(s.username)) == 1
}

func (s *Service) matchPassword(input string) bool {
	if strings.HasPrefix(s.password, "$2a$") || strings.HasPrefix(s.password, "$2b$") || strings.HasPrefix(s.password, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(s.password), []byte(input)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(input), []byte(s.password)) == 1
}

// HashPassword bcrypt-hashes a plaintext password for storage in config,
// so an operator never needs to keep the plaintext in a config file.
func HashPassword(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
