package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/types"
)

// Authorizer validates command credentials.
type Authorizer struct {
	apiKey       string
	secret       []byte
	allowedRoles map[string]bool
}

// New builds an authorizer. Empty apiKey and secret mean open mode:
// every command is allowed.
func New(apiKey, jwtSecret string, allowedRoles []string) *Authorizer {
	allowed := make(map[string]bool, len(allowedRoles))
	for _, r := range allowedRoles {
		allowed[strings.ToLower(strings.TrimSpace(r))] = true
	}
	a := &Authorizer{apiKey: apiKey, allowedRoles: allowed}
	if jwtSecret != "" {
		a.secret = []byte(jwtSecret)
	}
	return a
}

// Open reports whether no credentials are configured at all.
func (a *Authorizer) Open() bool {
	return a.apiKey == "" && len(a.secret) == 0
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Authorize resolves credentials to a principal. The API key is checked
// first; a wrong or missing key falls through to the bearer token, so
// either credential passing is enough.
func (a *Authorizer) Authorize(creds types.Credentials) (types.Principal, error) {
	if a.Open() {
		metrics.OpenModeAllowedTotal.Inc()
		return types.Principal{Via: "open"}, nil
	}

	if a.apiKey != "" && creds.APIKey != "" &&
		subtle.ConstantTimeCompare([]byte(a.apiKey), []byte(creds.APIKey)) == 1 {
		return types.Principal{Via: "api_key"}, nil
	}

	if len(a.secret) != 0 && creds.Bearer != "" {
		return a.authorizeToken(creds.Bearer)
	}

	if creds.APIKey != "" {
		return types.Principal{}, fmt.Errorf("%w: invalid api key", types.ErrUnauthorized)
	}
	return types.Principal{}, fmt.Errorf("%w: no credentials presented", types.ErrUnauthorized)
}

func (a *Authorizer) authorizeToken(raw string) (types.Principal, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		log.WithComponent("auth").Debug().Err(err).Msg("token rejected")
		return types.Principal{}, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}
	if !token.Valid {
		return types.Principal{}, fmt.Errorf("%w: invalid token", types.ErrUnauthorized)
	}

	if !a.roleAllowed(c.Roles) {
		return types.Principal{}, fmt.Errorf("%w: no permitted role", types.ErrUnauthorized)
	}
	return types.Principal{Subject: c.Subject, Roles: c.Roles, Via: "token"}, nil
}

// roleAllowed checks for a case-insensitive intersection between the
// token's roles and the configured allow list.
func (a *Authorizer) roleAllowed(roles []string) bool {
	for _, r := range roles {
		if a.allowedRoles[strings.ToLower(strings.TrimSpace(r))] {
			return true
		}
	}
	return false
}
