// Package identity provides per-view client identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/livedeck/internal/domain"
)

const (
	ClientHeaderName = "X-Livedeck-Client-ID"
	clientQueryParam = "client_id"
	roleQueryParam   = "role"
)

type contextKey int

const (
	clientIDKey contextKey = iota
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ClientIDFromContext extracts the client ID from the request context.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClientID returns a context carrying id.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

func generateClientID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return "client_" + hex.EncodeToString(buf), nil
}

func sanitizeClientID(id string) string {
	id = strings.TrimSpace(id)
	if !clientIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func clientIDFromRequest(r *http.Request) string {
	id := r.Header.Get(ClientHeaderName)
	if id == "" {
		id = r.URL.Query().Get(clientQueryParam)
	}
	return sanitizeClientID(id)
}

// RoleFromRequest parses the declared role of a view. Missing means audience.
func RoleFromRequest(r *http.Request) (domain.Role, error) {
	return domain.ParseRole(r.URL.Query().Get(roleQueryParam))
}

// Middleware injects the client ID, generating one when the request has
// none or an invalid one. The ID is echoed in the response header.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := clientIDFromRequest(r)
			if clientID == "" {
				id, err := generateClientID()
				if err != nil {
					http.Error(w, `{"error":"failed to establish client identity"}`, http.StatusInternalServerError)
					return
				}
				clientID = id
			}

			w.Header().Set(ClientHeaderName, clientID)
			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
