// Package auth issues and verifies the bearer tokens that identify
// users on write endpoints and stream handshakes.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/errors"
)

type ctxKey struct{}

// Authenticator signs and verifies bearer tokens of the form
// <userID>.<expiryUnix>.<hmac>.
type Authenticator struct {
	secret   []byte
	tokenTTL time.Duration
}

// New creates an authenticator from config.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		tokenTTL: cfg.TokenTTL,
	}
}

// IssueToken mints a token for userID with the configured TTL.
func (a *Authenticator) IssueToken(userID string) string {
	expiry := time.Now().Add(a.tokenTTL).Unix()
	base := fmt.Sprintf("%s.%d", userID, expiry)
	return base + "." + a.sign(base)
}

// Verify checks a token and returns the user it identifies.
func (a *Authenticator) Verify(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", errors.New(errors.ErrorTypeAuthentication, "MALFORMED_TOKEN", "token must have three segments")
	}

	userID, expiryStr, sig := parts[0], parts[1], parts[2]
	base := userID + "." + expiryStr

	if !hmac.Equal([]byte(a.sign(base)), []byte(sig)) {
		return "", errors.New(errors.ErrorTypeAuthentication, "INVALID_SIGNATURE", "token signature mismatch")
	}

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", errors.New(errors.ErrorTypeAuthentication, "MALFORMED_TOKEN", "token expiry is not a timestamp")
	}
	if time.Now().Unix() > expiry {
		return "", errors.New(errors.ErrorTypeAuthentication, "TOKEN_EXPIRED", "token has expired")
	}

	return userID, nil
}

func (a *Authenticator) sign(base string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// FromRequest resolves the user behind a request. It accepts an
// Authorization bearer header or, for websocket handshakes where
// browsers cannot set headers, a token query parameter.
func (a *Authenticator) FromRequest(r *http.Request) (string, error) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	if token == "" {
		return "", errors.New(errors.ErrorTypeAuthentication, "MISSING_TOKEN", "no bearer token provided")
	}
	return a.Verify(token)
}

// Middleware rejects unauthenticated requests and stores the user ID in
// the request context. Stream handshakes do not use it; they close the
// socket silently instead of writing an error body.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.FromRequest(r)
		if err != nil {
			errors.HandleHTTP(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

// WithUser stores userID in ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFromContext returns the authenticated user ID, or "" when the
// request never went through the middleware.
func UserFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(ctxKey{}).(string); ok {
		return userID
	}
	return ""
}
