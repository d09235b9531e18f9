package handler

import (
	"net/http"
	"strings"

	"presenced/internal/app/directory"
)

// HostRewrite lets one listener serve both the general API host and the
// per-user vanity hosts. When the request's Host header matches a
// configured domain, the externally-observed /api prefix is stripped
// before routing, so https://alice.example/api/user reaches the same
// handler as /user. Unrecognized hosts pass through untouched.
func HostRewrite(dir *directory.Directory) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hostname := directory.HostnameFromHeader(r.Host)

			if dir.HasDomain(hostname) && strings.HasPrefix(r.URL.Path, "/api") {
				rewritten := strings.TrimPrefix(r.URL.Path, "/api")
				if rewritten == "" {
					rewritten = "/"
				}
				r.URL.Path = rewritten
			}

			next.ServeHTTP(w, r)
		})
	}
}
