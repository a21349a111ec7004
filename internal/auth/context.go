// ABOUTME: Identity propagation through request handlers via context
// ABOUTME: Provides WithIdentity/FromContext plus HTTP bearer middleware

package auth

import (
	"context"
	"net/http"
	"strings"
)

// identityKey is the key type for storing an Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the verified identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the verified identity, returning nil if absent.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}

// ExtractBearer pulls a bearer credential from an Authorization header or,
// failing that, a "token" query parameter (browser WebSocket clients cannot
// set headers).
func ExtractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimPrefix(header, "Bearer "); token != "" {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware authenticates requests through the gate and attaches the
// identity to the request context. Unauthenticated requests get a 401.
func Middleware(gate Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := ExtractBearer(r)
			if credential == "" {
				http.Error(w, `{"error":"missing credential"}`, http.StatusUnauthorized)
				return
			}
			identity, err := gate.Authenticate(r.Context(), credential)
			if err != nil {
				http.Error(w, `{"error":"invalid credential"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
