/*
auth.go - Caller resolution for /api/me routes

PURPOSE:
  Turns an incoming request into the calling user id. In production the
  id comes from an HS256 bearer token carrying a "uid" claim; with dev
  mode enabled the X-User-ID header is accepted as well.

TOKENS:
  IssueToken(userID)  signed when an account is opened, 24h lifetime
  ParseToken(token)   HS256 only, expiry enforced, uid required

FAILURES:
  Missing or invalid credentials get 401 {error, code: "unauthorized"}.

SEE ALSO:
  - server.go: where Middleware is mounted
  - handlers.go: UserIDFrom callers
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/banking-ledger/ledger"
)

// DevUserHeader carries the caller id when dev mode is enabled.
const DevUserHeader = "X-User-ID"

const defaultTokenTTL = 24 * time.Hour

type ctxKey string

const ctxUserIDKey ctxKey = "uid"

// Claims is the JWT payload. The subject user id travels in "uid".
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Authenticator resolves the calling user from a bearer token or, in dev
// mode, from DevUserHeader.
type Authenticator struct {
	secret  []byte
	devMode bool
	ttl     time.Duration
	now     func() time.Time
}

// NewAuthenticator creates an HS256 authenticator.
func NewAuthenticator(secret string, devMode bool) *Authenticator {
	return &Authenticator{
		secret:  []byte(secret),
		devMode: devMode,
		ttl:     defaultTokenTTL,
		now:     time.Now,
	}
}

// IssueToken signs an access token for userID.
func (a *Authenticator) IssueToken(userID ledger.UserID) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := a.now()
	claims := Claims{
		UserID: string(userID),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken validates token and returns its user id.
func (a *Authenticator) ParseToken(token string) (ledger.UserID, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", errors.New("token has no uid claim")
	}
	return ledger.UserID(claims.UserID), nil
}

// Middleware rejects requests without a resolvable caller with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.devMode {
			if uid := strings.TrimSpace(r.Header.Get(DevUserHeader)); uid != "" {
				next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), ledger.UserID(uid))))
				return
			}
		}

		ah := r.Header.Get("Authorization")
		if ah == "" || !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing bearer token", Code: "unauthorized"})
			return
		}
		uid, err := a.ParseToken(strings.TrimSpace(ah[len("Bearer "):]))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid access token", Code: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), uid)))
	})
}

func withUserID(ctx context.Context, id ledger.UserID) context.Context {
	return context.WithValue(ctx, ctxUserIDKey, id)
}

// UserIDFrom returns the caller resolved by Middleware.
func UserIDFrom(ctx context.Context) (ledger.UserID, bool) {
	v, ok := ctx.Value(ctxUserIDKey).(ledger.UserID)
	return v, ok && v != ""
}
