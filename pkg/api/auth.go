package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// DefaultUserHeader carries the caller identity set by the fronting auth proxy.
const DefaultUserHeader = "X-User-ID"

// ErrUnauthenticated is returned by an Authenticator when the request carries
// no usable identity.
var ErrUnauthenticated = errors.New("authentication required")

// Authenticator resolves the calling user of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts a header set by an upstream proxy.
type HeaderAuthenticator struct {
	// Header defaults to X-User-ID.
	Header string
}

// Authenticate returns the trimmed header value.
func (h HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = DefaultUserHeader
	}
	user := strings.TrimSpace(r.Header.Get(name))
	if user == "" {
		return "", ErrUnauthenticated
	}
	return user, nil
}

type userContextKey struct{}

func withUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the authenticated caller of a request.
func UserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(userContextKey{}).(string)
	return user, ok && user != ""
}
