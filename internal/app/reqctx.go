package app

import "github.com/bbailleux/tracim/internal/store"

// RequestContext carries the principal and workspace resolved for one
// request. Each binds at most once; a rebind attempt is a programming
// error, not a caller mistake. The immutability guarantees that an
// authorization check made early in a request cannot be invalidated by a
// later rebind. Contexts are request-local and never shared.
type RequestContext struct {
	principal *store.User
	workspace *store.Workspace
}

func NewRequestContext() *RequestContext {
	return &RequestContext{}
}

// BindPrincipal records the authenticated principal.
func (c *RequestContext) BindPrincipal(user store.User) error {
	if c.principal != nil {
		return domainError(CodeImmutableBinding, "principal already bound")
	}
	c.principal = &user
	return nil
}

// Principal returns the bound principal, if any.
func (c *RequestContext) Principal() (store.User, bool) {
	if c.principal == nil {
		return store.User{}, false
	}
	return *c.principal, true
}

// BindWorkspace records the target workspace.
func (c *RequestContext) BindWorkspace(ws store.Workspace) error {
	if c.workspace != nil {
		return domainError(CodeImmutableBinding, "workspace already bound")
	}
	c.workspace = &ws
	return nil
}

// Workspace returns the bound workspace, if any.
func (c *RequestContext) Workspace() (store.Workspace, bool) {
	if c.workspace == nil {
		return store.Workspace{}, false
	}
	return *c.workspace, true
}
