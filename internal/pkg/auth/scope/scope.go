/*
Package scope resolves inbound credentials into capability scopes.

A bearer token maps to zero or more scope strings, either through the
static token table from configuration or, failing that, by verifying it
as an HS256 JWT carrying a "scopes" claim. Resolution always fails open:
a missing, malformed, expired, or unrecognized token yields the empty
scope set and the request proceeds with maximally redacted fields. There
is no 401 anywhere in this service.
*/
package scope

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"

	"presenced/internal/pkg/logx"
)

// Scope names gating precision of the location snapshot.
const (
	// City reveals the locality field.
	City = "icloud.city"

	// LatLong reveals coordinates and the derived time zone.
	LatLong = "icloud.latlong"
)

// Resolver maps credentials to granted scopes.
type Resolver struct {
	// tokens is the static bearer-token table from configuration.
	tokens map[string][]string

	// jwtSecret verifies signed tokens; empty disables the JWT path.
	jwtSecret string
}

// tokenClaims is the JWT claim set accepted for scoped tokens.
type tokenClaims struct {
	jwt.StandardClaims

	// Scopes lists the capability scopes granted to the token holder.
	Scopes []string `json:"scopes"`
}

// NewResolver builds a Resolver from the static token table and an
// optional JWT verification secret.
func NewResolver(tokens map[string][]string, jwtSecret string) *Resolver {
	if tokens == nil {
		tokens = map[string][]string{}
	}
	return &Resolver{tokens: tokens, jwtSecret: jwtSecret}
}

// FromRequest extracts the bearer token from the Authorization header and
// resolves it to scopes. Anonymous and unrecognized credentials both
// yield the empty set.
func (r *Resolver) FromRequest(req *http.Request) []string {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		return nil
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil
	}

	return r.Resolve(parts[1])
}

// Resolve maps a raw bearer token to its scopes.
func (r *Resolver) Resolve(token string) []string {
	if scopes, ok := r.tokens[token]; ok {
		return scopes
	}

	if r.jwtSecret == "" {
		return nil
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(r.jwtSecret), nil
	})

	if err != nil || !parsed.Valid {
		// Treat as anonymous; the token is a redaction decision, not authentication.
		logx.Warn("Invalid bearer token, treating as anonymous", "error", err)
		return nil
	}

	return claims.Scopes
}

// Has reports whether the scope set contains the named scope.
func Has(scopes []string, name string) bool {
	for _, scope := range scopes {
		if scope == name {
			return true
		}
	}
	return false
}
