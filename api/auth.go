// Package api implements the HTTP Query Surface (C11): the externally
// reachable routes over the Elasticsearch Projection, Template Registry,
// and the two backend write paths, plus JWT authentication and the health
// surface (spec §4.11, §6; SPEC_FULL.md §10.3, §12.6).
//
// It replaces the teacher's API-key middleware (api/rest.go) with JWT
// bearer authentication, following the same "one file per concern, Echo
// middleware chain" shape but generalized from a single shared secret to
// per-caller identity and authorization.
package api

import (
	"fmt"
	"strings"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/oipwg/oipd/security"
)

// contextKey is the echo.Context key the JWT middleware stores the parsed
// token under, shared between required and optional auth so handlers use
// one lookup helper regardless of which middleware ran.
const contextKey = "oip_jwt"

// callerIdentity is what C10's authorization rules need about the caller:
// their public key (the "sub" or "public_key" claim) and the organizations
// they belong to (spec §4.10's organization-scoped read rule).
type callerIdentity struct {
	PublicKey string
	Orgs      []string
}

func identityFromToken(tok jwt.Token) callerIdentity {
	if tok == nil {
		return callerIdentity{}
	}
	id := callerIdentity{PublicKey: tok.Subject()}
	if pk, ok := tok.Get("public_key"); ok {
		if s, ok := pk.(string); ok && s != "" {
			id.PublicKey = s
		}
	}
	if raw, ok := tok.Get("orgs"); ok {
		switch v := raw.(type) {
		case []string:
			id.Orgs = v
		case []interface{}:
			for _, o := range v {
				if s, ok := o.(string); ok {
					id.Orgs = append(id.Orgs, s)
				}
			}
		case string:
			id.Orgs = strings.Split(v, ",")
		}
	}
	return id
}

// callerFromContext reads the identity the auth middleware (required or
// optional) attached to c, returning the zero identity for an
// unauthenticated request.
func callerFromContext(c echo.Context) callerIdentity {
	tok, _ := c.Get(contextKey).(jwt.Token)
	return identityFromToken(tok)
}

// requireAuth builds Echo middleware that rejects any request without a
// valid bearer token, delegating validation to the existing
// security.JWTService rather than reimplementing HS256 parsing.
func requireAuth(jwtSvc *security.JWTService) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey:     contextKey,
		SigningKey:     []byte("unused"), // overridden by ParseTokenFunc below
		ParseTokenFunc: parseTokenFunc(jwtSvc),
	})
}

// optionalAuth builds Echo middleware that attaches the caller's identity
// when a valid bearer token is present, and otherwise lets the request
// through unauthenticated (spec §4.11 "If the caller is unauthenticated,
// private records are filtered out" — GET /records must not reject them).
func optionalAuth(jwtSvc *security.JWTService) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey:             contextKey,
		SigningKey:             []byte("unused"),
		ParseTokenFunc:         parseTokenFunc(jwtSvc),
		ContinueOnIgnoredError: true,
		ErrorHandler: func(c echo.Context, err error) error {
			// Any parse/validation failure (including a missing header) is
			// treated as "proceed unauthenticated" rather than rejected.
			return nil
		},
	})
}

func parseTokenFunc(jwtSvc *security.JWTService) echojwt.ParseTokenFunc {
	return func(c echo.Context, auth string) (interface{}, error) {
		tok, err := jwtSvc.ValidateToken(auth)
		if err != nil {
			return nil, fmt.Errorf("api: invalid bearer token: %w", err)
		}
		return tok, nil
	}
}
