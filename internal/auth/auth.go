// Package auth guards the HTTP API. A single operator account is configured
// with a bcrypt password hash; requests carry either HTTP basic credentials
// or a bearer JWT issued by Login.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDisabled           = errors.New("authentication is not configured")
)

const issuer = "devsvc"

// Config is the [server.auth] section.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Username     string        `mapstructure:"username"`
	PasswordHash string        `mapstructure:"password_hash"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

// Validate checks an enabled config. A disabled one is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if strings.TrimSpace(c.Username) == "" {
		errs = append(errs, errors.New("server.auth.username is required"))
	}
	if _, err := bcrypt.Cost([]byte(c.PasswordHash)); err != nil {
		errs = append(errs, fmt.Errorf("server.auth.password_hash is not a bcrypt hash: %w", err))
	}
	if c.TokenTTL < 0 {
		errs = append(errs, errors.New("server.auth.token_ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// Token is a signed bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is what a request authenticated as.
type Result struct {
	Success  bool   `json:"success"`
	Username string `json:"username,omitempty"`
	Method   string `json:"method,omitempty"`
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service checks credentials and issues tokens.
type Service struct {
	username string
	hash     []byte
	secret   []byte
	ttl      time.Duration
}

// New builds a Service from an enabled config. Without a jwt_secret a random
// one is generated, so tokens do not survive a daemon restart.
func New(cfg Config) (*Service, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &Service{username: cfg.Username, hash: []byte(cfg.PasswordHash), secret: secret, ttl: ttl}, nil
}

// HashPassword returns the bcrypt hash to put in server.auth.password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword verifies username and password.
func (s *Service) CheckPassword(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	// always run bcrypt so a wrong username costs the same
	pwErr := bcrypt.CompareHashAndPassword(s.hash, []byte(password))
	if !userOK || pwErr != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Login checks the credentials and issues a bearer token.
func (s *Service) Login(username, password string) (*Token, error) {
	if err := s.CheckPassword(username, password); err != nil {
		return nil, err
	}
	now := time.Now()
	exp := now.Add(s.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   username,
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: exp.UTC()}, nil
}

// Verify parses a bearer token issued by Login.
func (s *Service) Verify(token string) (*Result, error) {
	if token == "" {
		return nil, ErrInvalidCredentials
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Result{Success: true, Username: c.Username, Method: "jwt"}, nil
}

// Authenticate accepts a bearer token or basic credentials from r.
func (s *Service) Authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return s.Verify(strings.TrimSpace(rest))
		}
	}
	if user, pass, ok := r.BasicAuth(); ok {
		if err := s.CheckPassword(user, pass); err != nil {
			return nil, err
		}
		return &Result{Success: true, Username: user, Method: "basic"}, nil
	}
	return nil, ErrInvalidCredentials
}
