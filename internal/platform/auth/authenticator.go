package auth

import (
	"context"
	"net/http"
)

// Authenticator resolves the caller of a request to an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// StaticAuthenticator answers every request with one fixed identity. It
// backs the dev auth mode so a local cascade stack can run without an
// identity provider; never enable it on a shared deployment.
type StaticAuthenticator struct {
	identity Identity
}

func NewStaticAuthenticator(identity Identity) *StaticAuthenticator {
	return &StaticAuthenticator{identity: identity}
}

// NewDevAuthenticator builds a static authenticator from the dev-mode
// config values.
func NewDevAuthenticator(cfg Config) *StaticAuthenticator {
	return NewStaticAuthenticator(Identity{
		Subject: cfg.DevSubject,
		Email:   cfg.DevEmail,
		Roles:   cfg.DevRoles,
	})
}

func (a *StaticAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return a.identity, nil
}
