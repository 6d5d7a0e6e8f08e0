package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"netconverge/internal/infra/config"
)

var errUnauthorized = errors.New("gateway: invalid or missing token")

// ClientInfo identifies an authenticated API client.
type ClientInfo struct {
	Name string
}

// Authenticator validates API tokens.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth checks tokens against a fixed list using constant-time
// comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.APITokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		a.entries = append(a.entries, authEntry{token: []byte(t.Token), info: &ClientInfo{Name: t.Name}})
	}
	return a
}

// Authenticate returns the client owning token.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, errUnauthorized
	}
	b := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(b, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, errUnauthorized
}

// bearerToken reads "Authorization: Bearer <t>", falling back to the token
// query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireAuth rejects requests without a valid token. A nil authenticator
// lets everything through as an anonymous client.
func requireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := &ClientInfo{Name: "anonymous"}
			if auth != nil {
				var err error
				client, err = auth.Authenticate(bearerToken(r))
				if err != nil {
					w.Header().Set("WWW-Authenticate", `Bearer realm="netconverge"`)
					writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(withClient(r.Context(), client)))
		})
	}
}
