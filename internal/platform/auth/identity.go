package auth

import (
	"context"
	"strings"
)

// runSubjectPrefix marks identities minted from run tokens rather than a
// user directory.
const runSubjectPrefix = "run:"

// Identity is the authenticated caller of a request: a user resolved by the
// configured authenticator, or a pipeline run acting through a run token.
// Run identities carry no roles; they are authorized by scope, not by the
// role ladder.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// RunIdentity is the identity a verified run token authenticates as.
func RunIdentity(runID string) Identity {
	return Identity{Subject: runSubjectPrefix + runID}
}

// RunID returns the run a run-token identity acts for; false for users.
func (i Identity) RunID() (string, bool) {
	id, ok := strings.CutPrefix(i.Subject, runSubjectPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
