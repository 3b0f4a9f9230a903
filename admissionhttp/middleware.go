package admissionhttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ggoodman/admission-go/gate"
)

// IdentityFunc extracts the caller identity from a request.
type IdentityFunc func(r *http.Request) string

// IdentityFromHeader reads the identity from the named request header.
func IdentityFromHeader(name string) IdentityFunc {
	return func(r *http.Request) string { return r.Header.Get(name) }
}

// GateMiddleware runs next only for identities with an active session and
// only while a gate permit is held. Rejections are written as JSON errors;
// once next starts, the response is entirely its own.
func GateMiddleware(g *gate.Gate, identity IdentityFunc, next http.Handler, opts ...Option) http.Handler {
	h := &Handler{log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = withRequestData(w, r)
		err := g.Do(r.Context(), identity(r), func(ctx context.Context) error {
			next.ServeHTTP(w, r.WithContext(ctx))
			return nil
		})
		if err != nil {
			h.writeError(r.Context(), w, err)
		}
	})
}
