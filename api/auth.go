package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	sessionCookie  = "session"
	defaultSession = 24 * time.Hour
)

var errNoSession = errors.New("no session")

// Sessions issues and reads the stub login cookie. Login never checks
// credentials: any non-empty username is accepted and only used for display
// and for scoping idempotency keys.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

// NewSessions creates a session codec signing HS256 tokens with secret.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if secret == "" {
		panic("api.NewSessions: empty secret")
	}
	if ttl <= 0 {
		ttl = defaultSession
	}
	return &Sessions{
		secret: []byte(secret),
		ttl:    ttl,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
		now:    time.Now,
	}
}

// Issue returns a signed token naming username and its expiry.
func (s *Sessions) Issue(username string) (string, time.Time, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", time.Time{}, errors.New("empty username")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// User validates token and returns the username it carries.
func (s *Sessions) User(token string) (string, error) {
	if token == "" {
		return "", errNoSession
	}
	var claims jwt.RegisteredClaims
	if _, err := s.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("missing sub")
	}
	return claims.Subject, nil
}

// UserFromRequest returns the signed-in username, or "" for anonymous visitors.
func (s *Sessions) UserFromRequest(r *http.Request) string {
	if s == nil {
		return ""
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	user, err := s.User(cookie.Value)
	if err != nil {
		return ""
	}
	return user
}

func (s *Sessions) cookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func clearedSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
