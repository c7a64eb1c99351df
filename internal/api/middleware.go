// Package api provides the OpenAI-compatible HTTP surface of the proxy.
package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/blueberrycongee/llmrelay/internal/ratelimit"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyPrincipal contextKey = "principal"
	ctxKeyClientIP  contextKey = "client_ip"
)

// RequestID returns the request id injected by the middleware.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// Principal returns the authenticated client key id.
func Principal(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyPrincipal).(string); ok {
		return v
	}
	return ""
}

// ClientIP returns the client address resolved by the middleware.
func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyClientIP).(string); ok {
		return v
	}
	return ""
}

// Authenticator validates a client bearer token and returns the principal id
// used for per-key rate limiting. The credential database for clients lives
// outside this module; the default accepts any non-empty token as its own
// principal.
type Authenticator func(token string) (principal string, ok bool)

// StaticKeyAuthenticator accepts only the listed client keys. With an empty
// list, any non-empty token is accepted.
func StaticKeyAuthenticator(keys []string) Authenticator {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return func(token string) (string, bool) {
		if token == "" {
			return "", false
		}
		if len(allowed) == 0 {
			return token, true
		}
		_, ok := allowed[token]
		return token, ok
	}
}

// Middleware wraps the client endpoints with request-id injection, bearer
// auth, and the rate-limit gate, in that order.
func Middleware(next http.Handler, authenticate Authenticator, gate *ratelimit.Gate) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, uuid.New().String())

		ip := clientIP(r)
		ctx = context.WithValue(ctx, ctxKeyClientIP, ip)

		token := bearerToken(r)
		principal, ok := authenticate(token)
		if !ok {
			writeError(w, llmerrors.NewInvalidAuth("missing or invalid API key"))
			return
		}
		ctx = context.WithValue(ctx, ctxKeyPrincipal, principal)

		if gate != nil {
			if err := gate.Check(ctx, principal, ip); err != nil {
				writeError(w, llmerrors.AsProxyError(err))
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the socket
// address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
