package auth

import (
	"context"
	"fmt"
	"slices"
)

// Permissions checked by the engine.
const (
	PermDocumentsRead  = "documents.read"
	PermDocumentsWrite = "documents.write"
	PermSettingsRead   = "settings.read"
	PermSettingsWrite  = "settings.write"
)

// rolePermissions is the built-in grant table. Tokens can add explicit
// permissions on top of their roles.
var rolePermissions = map[string][]string{
	"admin":      {PermDocumentsRead, PermDocumentsWrite, PermSettingsRead, PermSettingsWrite},
	"consultant": {PermDocumentsRead, PermDocumentsWrite, PermSettingsRead},
	"viewer":     {PermDocumentsRead},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is the authenticated caller.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

// Has reports whether p holds perm directly or through a role.
func (p Principal) Has(perm string) bool {
	if slices.Contains(p.Permissions, perm) {
		return true
	}
	for _, r := range p.Roles {
		if slices.Contains(rolePermissions[r], perm) {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Require checks perm against the principal in ctx. Calls without a
// principal come from trusted in-process callers (CLI, webhook ingestion)
// and pass.
func Require(ctx context.Context, perm string) error {
	p, ok := FromContext(ctx)
	if !ok {
		return nil
	}
	if p.Has(perm) {
		return nil
	}
	return ForbiddenError{ActorID: p.ActorID, Permission: perm}
}

// ActorID returns the principal's actor or fallback.
func ActorID(ctx context.Context, fallback string) string {
	if p, ok := FromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID
	}
	return fallback
}
