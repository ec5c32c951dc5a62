package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/phuslu/log"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
	RoleNurse = "nurse"

	CookieName = "GSESS"
	HeaderName = "X-API-Key"
)

var ErrNoSession = errors.New("no valid session")

type contextKey string

const sessionKey = contextKey("session_attribute")

// Session is what the external session collaborator tells us about the
// caller.
type Session struct {
	Label       string    `json:"label"`
	Role        string    `json:"role"`
	CampWeekend string    `json:"campWeekend,omitempty"`
	ValidUntil  time.Time `json:"validUntil"`
}

func (s *Session) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// Resolver maps a request to the session that issued it. It returns
// ErrNoSession when the request carries no valid credentials.
type Resolver interface {
	Resolve(r *http.Request) (*Session, error)
}

// Chain tries each resolver in order.
type Chain []Resolver

func (c Chain) Resolve(r *http.Request) (*Session, error) {
	for _, res := range c {
		s, err := res.Resolve(r)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNoSession) {
			return nil, err
		}
	}
	return nil, ErrNoSession
}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}

// Require rejects requests without a valid session with 401.
func Require(res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := res.Resolve(r)
			if err != nil {
				if !errors.Is(err, ErrNoSession) {
					log.Error().Err(err).Str("path", r.URL.Path).Msg("session lookup failed")
					http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
					return
				}
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if !s.ValidUntil.IsZero() && time.Now().After(s.ValidUntil) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}

// RequireAdmin must run after Require. Non-admin sessions get 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := FromContext(r.Context())
		if s == nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !s.IsAdmin() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Static resolves a fixed set of API keys, for single-host deployments and
// tests.
type Static map[string]*Session

func (st Static) Resolve(r *http.Request) (*Session, error) {
	key := r.Header.Get(HeaderName)
	if key == "" {
		return nil, ErrNoSession
	}
	s, ok := st[key]
	if !ok {
		return nil, ErrNoSession
	}
	c := *s
	return &c, nil
}
