package httpserver

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
)

// corsHandler answers preflights and sets CORS response headers for origins
// the policy admits. Rejecting disallowed origins is left to
// withOriginPolicy so that routes without a browser API stay reachable by
// non-browser clients.
func (s *Server) corsHandler(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowOriginRequestFunc: func(r *http.Request, origin string) bool {
			return s.policy.Allowed(origin, r.Host)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler(next)
}

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}
		if !s.policy.Allowed(originHeader, r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
