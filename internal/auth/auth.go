package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dres-dev/DRES-sub000/internal/run"
)

const CookieName = "dres_session"

// Account is one known user with its capabilities
type Account struct {
	ID       string
	Password string
	Roles    []run.Role
	TeamID   string
}

// Claims is the JWT payload of a session token
type Claims struct {
	Roles  []string `json:"roles"`
	TeamID string   `json:"team,omitempty"`
	jwt.RegisteredClaims
}

// Auth issues and validates stateless session tokens carrying the
// caller's roles and team scope.
type Auth struct {
	secret   []byte
	ttl      time.Duration
	accounts map[string]Account
}

// New creates an Auth instance over a fixed account set
func New(secret string, ttl time.Duration, accounts []Account) *Auth {
	byID := make(map[string]Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{secret: []byte(secret), ttl: ttl, accounts: byID}
}

// Login validates credentials and returns a signed session token
func (a *Auth) Login(userID, password string) (string, bool) {
	account, ok := a.accounts[userID]
	if !ok || account.Password != password {
		return "", false
	}
	roles := make([]string, len(account.Roles))
	for i, role := range account.Roles {
		roles[i] = string(role)
	}
	now := time.Now()
	claims := Claims{
		Roles:  roles,
		TeamID: account.TeamID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", false
	}
	return token, true
}

// ValidateToken parses a session token and reconstructs the caller
func (a *Auth) ValidateToken(token string) (run.Caller, bool) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return run.Caller{}, false
	}
	roles := make([]run.Role, len(claims.Roles))
	for i, role := range claims.Roles {
		roles[i] = run.Role(role)
	}
	return run.Caller{ID: claims.Subject, Roles: roles, TeamID: claims.TeamID}, true
}

type contextKey struct{}

// CallerFromContext extracts the authenticated caller from a request context
func CallerFromContext(ctx context.Context) (run.Caller, bool) {
	caller, ok := ctx.Value(contextKey{}).(run.Caller)
	return caller, ok
}

// WithCaller returns a context carrying the caller, for tests
func WithCaller(ctx context.Context, caller run.Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, caller)
}

// tokenFromRequest reads the session token from the cookie or the
// Authorization header.
func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// Middleware authenticates the request and stores the caller in the
// context; unauthenticated requests are rejected.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := a.ValidateToken(tokenFromRequest(r))
		if !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// RequireRole restricts a route group to callers holding one of the roles
func RequireRole(roles ...run.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromContext(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if caller.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		})
	}
}
