/*
Package handler provides the HTTP handlers and routing setup for the presence API.

This file defines the main Router, applying the global middleware chain
(host rewriting, CORS, request logging, metrics, panic recovery) before
delegating to the read endpoints. Per-route Cache-Control headers carry
each route's freshness hint.
*/
package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"presenced/internal/pkg/errs"
	"presenced/internal/pkg/logx"
	"presenced/internal/pkg/metrics"
	"presenced/internal/pkg/resp"
)

// Per-route Cache-Control max-age values, in seconds. The route table is
// static for the process lifetime, user aggregates are refreshed every
// few seconds.
const (
	MaxAgeRoot  = 259200
	MaxAgeUsers = 60
	MaxAgeUser  = 10
)

// Router sets up the routing table for the application.
func Router(deps *AppDeps) http.Handler {
	r := chi.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	})

	r.Use(HostRewrite(deps.Directory))
	r.Use(allowAllOrigins)
	r.Use(c.Handler)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.With(cacheControl(MaxAgeRoot)).Get("/", HandleRoot(deps))
	r.With(cacheControl(MaxAgeUsers)).Get("/users", HandleGetUsers(deps))
	r.With(cacheControl(MaxAgeUser)).Get("/user", HandleGetHostUser(deps))
	r.With(cacheControl(MaxAgeUser)).Get("/user/{username}", HandleGetUser(deps))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp.RespondJSON(w, r, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "presenced",
		})
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		resp.RespondError(w, r, errs.NewError(errs.ErrRouteNotFound))
	})

	return r
}

// allowAllOrigins pins the wildcard CORS header on every response. The
// cors handler only emits it for requests carrying an Origin header, but
// the API is public and the header is part of its response contract for
// non-browser clients too; preflight handling stays with rs/cors.
func allowAllOrigins(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// cacheControl returns a middleware attaching the route's freshness hint.
func cacheControl(maxAge int) func(next http.Handler) http.Handler {
	value := fmt.Sprintf("max-age=%d", maxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", value)
			next.ServeHTTP(w, r)
		})
	}
}
