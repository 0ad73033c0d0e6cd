// Package httpmw carries request-scoped identity through context.Context
// and shapes HTTP responses the way the kernel's API surface expects.
package httpmw

import "context"

// Context keys for identity the auth middleware extracts from the
// validated JWT before a request reaches a handler.
type contextKey string

const (
	// PrincipalKey is the context key for the authenticated
	// principal id ("agent:<id>" or "human:<id>").
	PrincipalKey contextKey = "principal"
	// WorkspaceKey is the context key for the tenant/workspace id a
	// request is scoped to.
	WorkspaceKey contextKey = "workspace_id"
)

// WithPrincipal returns a new context with the principal set.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithWorkspace returns a new context with the workspace id set.
func WithWorkspace(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, WorkspaceKey, workspaceID)
}

// GetPrincipal extracts the principal id from the context.
func GetPrincipal(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(PrincipalKey).(string)
	return v, ok
}

// GetWorkspace extracts the workspace id from the context.
func GetWorkspace(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(WorkspaceKey).(string)
	return v, ok
}
