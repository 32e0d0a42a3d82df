package gate

import (
	"net/http"

	perr "discoveryd/internal/platform/errors"
)

// ConfigSource supplies the gate's current configuration on every request,
// so an operator can flip rateLimiterEnabled without restarting the registry
type ConfigSource func() Config

// Middleware wraps the registry's apps routes with classification and
// throttling. write mirrors the shared net/http error-writing helper so
// overload responses use the same error envelope as every other handler.
func Middleware(g *Gate, cfg ConfigSource, write func(w http.ResponseWriter, status int, body any)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := Classify(r.Method, r.URL.Path)
			identity := r.Header.Get(IdentityHeader)

			if !g.Admit(cfg(), class, identity, Now()) {
				err := perr.Newf(perr.ErrorCodeTooManyRequests, "registry overloaded, try again later")
				// spec maps overload to 503, not the 429 HTTPStatusCode
				// would otherwise assign to ErrorCodeTooManyRequests
				write(w, http.StatusServiceUnavailable, perr.WireFrom(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
