package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer   = "inkwell-auth"
	defaultSessionProvider = "default"
	bearerPrefix           = "Bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the JWT payload minted by the platform's session service.
// UserID may carry a "provider:subject" pair.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// Session is an authenticated caller. Provider and Subject together identify
// the external account; they never carry roles.
type Session struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
	ExpiresAt   time.Time
}

// NewSession derives the caller identity from decoded claims.
func NewSession(claims SessionClaims) (Session, error) {
	provider := defaultSessionProvider
	subject := strings.TrimSpace(claims.Subject)
	if raw := strings.TrimSpace(claims.UserID); raw != "" {
		head, tail, found := strings.Cut(raw, ":")
		switch {
		case found && strings.TrimSpace(head) != "" && strings.TrimSpace(tail) != "":
			provider = strings.TrimSpace(head)
			subject = strings.TrimSpace(tail)
		case subject == "":
			subject = raw
		}
	}
	email := strings.TrimSpace(claims.UserEmail)
	if subject == "" {
		subject = email
	}
	if subject == "" {
		return Session{}, ErrMissingSessionSubject
	}
	session := Session{
		Provider:    provider,
		Subject:     subject,
		Email:       email,
		DisplayName: strings.TrimSpace(claims.UserDisplayName),
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.UTC()
	}
	return session, nil
}

type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator authenticates requests carrying HS256 session tokens.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// ValidateToken verifies a raw token and returns the session it grants.
func (v *SessionValidator) ValidateToken(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrMissingSessionToken
	}
	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrExpiredSessionToken
		}
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	return NewSession(claims)
}

// ValidateRequest authenticates the session cookie, falling back to a bearer
// Authorization header for non-browser callers.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Session, error) {
	return v.ValidateToken(v.requestToken(r))
}

func (v *SessionValidator) requestToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimPrefix(header, bearerPrefix)
	}
	return ""
}

func (v *SessionValidator) signingKey(*jwt.Token) (any, error) {
	return v.signingSecret, nil
}
