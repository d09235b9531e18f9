/*
Package handler provides the HTTP handlers for the presence API.

This file holds the read endpoints: the route index, the user listing,
and the per-user aggregate (addressed either by path or by the request's
Host header).
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"presenced/internal/app/directory"
	"presenced/internal/pkg/errs"
	"presenced/internal/pkg/resp"
)

// HandleRoot serves the static route index.
func HandleRoot(deps *AppDeps) http.HandlerFunc {
	routes := map[string]any{
		"hello!": "welcome to the user api",
		"here are our routes": map[string]string{
			"/":                "root page",
			"/users":           "a summary of all the available users",
			"/user":            "the information about a specific user, if the site is being accessed from a user's domain",
			"/user/<username>": "the information about a specific user",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp.RespondJSON(w, r, http.StatusOK, routes)
	}
}

// HandleGetUsers serves the precomputed user listing. The directory never
// changes after startup, so the same set in the same order is returned
// for the process lifetime.
func HandleGetUsers(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp.RespondJSON(w, r, http.StatusOK, deps.Directory.Summaries())
	}
}

// HandleGetUser serves the aggregate view for the username in the path.
func HandleGetUser(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondAggregate(deps, w, r, chi.URLParam(r, "username"))
	}
}

// HandleGetHostUser resolves the user through the request's Host header.
// An unrecognized host resolves to the empty username, which the
// directory rejects like any other unknown identity.
func HandleGetHostUser(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hostname := directory.HostnameFromHeader(r.Host)
		username, _ := deps.Directory.ResolveHost(hostname)
		respondAggregate(deps, w, r, username)
	}
}

func respondAggregate(deps *AppDeps, w http.ResponseWriter, r *http.Request, username string) {
	scopes := deps.Scopes.FromRequest(r)

	view, ok := deps.Aggregator.Aggregate(username, scopes)
	if !ok {
		resp.RespondError(w, r, errs.NewError(errs.ErrUserNotFound))
		return
	}

	resp.RespondJSON(w, r, http.StatusOK, view)
}
