package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"palisade/pkg/models"
)

// Principal is the authenticated identity of a request. A zero Subject
// means anonymous.
type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "palisade.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// Viewer converts the principal into the engine's viewer identity.
func (p Principal) Viewer() models.Viewer {
	if strings.TrimSpace(p.Subject) == "" {
		return models.Guest()
	}
	return models.NewViewer(p.Subject, p.Roles)
}

// ViewerFromContext is the shorthand every handler uses.
func ViewerFromContext(ctx context.Context) models.Viewer {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return models.Guest()
	}
	return p.Viewer()
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// Middleware resolves the request's viewer identity. The storefront is
// public: a request without a token proceeds as guest in every mode. A
// token that is present but invalid is rejected, never downgraded to
// guest.
//
// Modes: "off" treats everyone as guest, "session_hs256" verifies
// bearer session tokens against the shared secret.
func Middleware(mode, secret string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{})))
				return
			}
			claims, err := VerifySessionToken(token, secret, time.Now().UTC())
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Sub,
				Roles:   claims.Roles,
			})))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}
