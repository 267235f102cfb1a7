package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bbailleux/tracim/internal/auth"
	"github.com/bbailleux/tracim/internal/authpw"
	"github.com/bbailleux/tracim/internal/config"
	"github.com/bbailleux/tracim/internal/rbac"
	"github.com/bbailleux/tracim/internal/store"
	"github.com/bbailleux/tracim/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	DisplayName  string
	IsAdmin      bool
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	UpdateUserProfile(context.Context, string, string, string) error
	UpdateUserPassword(context.Context, string, string) error
	DeactivateUser(context.Context, string) error

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertWorkspace(context.Context, store.Workspace) error
	GetWorkspace(context.Context, string) (store.Workspace, error)
	RenameWorkspace(context.Context, string, string) error
	SoftDeleteWorkspace(context.Context, string) error
	ListWorkspacesForUser(context.Context, string) ([]store.Workspace, error)

	GetRole(context.Context, string, string) (rbac.Role, error)
	SetRole(context.Context, string, string, rbac.Role) error
	RemoveRole(context.Context, string, string) error
	ListRolesForWorkspace(context.Context, string) ([]store.RoleAssignment, error)

	GetContent(context.Context, string) (store.Content, error)
	CreateContent(context.Context, store.Content, store.Revision) error
	CommitRevision(context.Context, store.Content, store.Revision) error
	ListRevisions(context.Context, string) ([]store.Revision, error)
	ListChildren(context.Context, string, *string) ([]store.Content, error)
	SubtreeIDs(context.Context, string) ([]string, error)

	Ping(ctx context.Context) error
}

// sessionStore keeps refresh tokens; Redis in production, Postgres as a
// fallback.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// pgSessions adapts the main store to the sessionStore interface.
type pgSessions struct {
	store interface {
		SaveRefreshSession(context.Context, string, string, time.Time) error
		LookupRefreshSession(context.Context, string) (store.User, error)
		RevokeRefreshSession(context.Context, string) error
	}
}

func (p pgSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p pgSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	revisions *revisionGuard
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return newService(cfg, dataStore, pgSessions{store: dataStore})
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore) *Service {
	return newService(cfg, dataStore, sessions)
}

func newService(cfg config.Config, ds dataStore, sessions sessionStore) *Service {
	return &Service{
		cfg:       cfg,
		store:     ds,
		sessions:  sessions,
		passwords: authpw.NewService(ds),
		revisions: newRevisionGuard(),
	}
}

// Bootstrap provisions the initial site admin when configured and missing.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.AdminPassword == "" {
		return nil
	}
	if _, err := s.store.GetUserByEmail(ctx, s.cfg.AdminEmail); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup admin user: %w", err)
	}

	hash, err := authpw.HashPassword(s.cfg.AdminPassword)
	if err != nil {
		return err
	}
	admin := store.User{
		ID:           util.NewID("usr"),
		Email:        s.cfg.AdminEmail,
		DisplayName:  "Global manager",
		PasswordHash: hash,
		IsAdmin:      true,
	}
	if err := s.store.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- sessions ----

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:       strings.TrimSpace(email),
		Password:    password,
		DisplayName: strings.TrimSpace(displayName),
	})
	if err != nil {
		return Session{}, domainError(CodeValidation, err.Error())
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return Session{}, domainError(CodeAuthenticationFailed, "invalid email or password")
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(CodeNotAuthenticated, "refresh token invalid")
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The stored snapshot may be stale; re-read so deactivation and admin
	// changes take effect on refresh.
	current, err := s.store.GetUserByID(ctx, user.ID)
	if err != nil || !current.Active() {
		return Session{}, domainError(CodeNotAuthenticated, "account unavailable")
	}
	return s.issueSession(ctx, current)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		IsAdmin:      user.IsAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// RevokeAccess blacklists the current access token until it expires.
func (s *Service) RevokeAccess(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return nil
	}
	return s.store.RevokeAccessToken(ctx, jti, expiresAt)
}

// SessionFromToken rebuilds session info from a bearer token without
// touching the refresh store.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil || !user.Active() {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:       token,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		IsAdmin:     user.IsAdmin,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

// ---- resolvers ----

// ResolveUser binds the authenticated principal into the request context,
// at most once; later calls return the cached principal. A missing
// credential is NotAuthenticated, a credential that fails to parse is
// AuthenticationFailed.
func (s *Service) ResolveUser(ctx context.Context, rc *RequestContext, bearer string) (store.User, error) {
	if principal, ok := rc.Principal(); ok {
		return principal, nil
	}
	if strings.TrimSpace(bearer) == "" {
		return store.User{}, domainError(CodeNotAuthenticated, "no credentials provided")
	}

	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), bearer)
	if err != nil {
		return store.User{}, domainError(CodeAuthenticationFailed, "access token rejected")
	}

	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return store.User{}, err
	}
	if revoked {
		return store.User{}, domainError(CodeNotAuthenticated, "access token revoked")
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, domainError(CodeNotAuthenticated, "unknown user")
	}
	if err != nil {
		return store.User{}, err
	}
	if !user.Active() {
		return store.User{}, domainError(CodeNotAuthenticated, "account deactivated")
	}

	if err := rc.BindPrincipal(user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

// ResolveWorkspace binds the target workspace into the request context, at
// most once. The locator is opaque to callers: a missing, unknown, deleted
// or invisible workspace all surface as WorkspaceNotFound so existence is
// never leaked to outsiders.
func (s *Service) ResolveWorkspace(ctx context.Context, rc *RequestContext, principal store.User, locator string) (store.Workspace, error) {
	if ws, ok := rc.Workspace(); ok {
		return ws, nil
	}
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return store.Workspace{}, domainError(CodeWorkspaceNotFound, "no workspace locator")
	}

	ws, err := s.store.GetWorkspace(ctx, locator)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Workspace{}, domainError(CodeWorkspaceNotFound, "workspace not found")
	}
	if err != nil {
		return store.Workspace{}, err
	}
	if ws.DeletedAt != nil {
		return store.Workspace{}, domainError(CodeWorkspaceNotFound, "workspace not found")
	}

	visible := principal.IsAdmin || ws.IsPublic
	if !visible {
		_, err := s.store.GetRole(ctx, principal.ID, ws.ID)
		if err == nil {
			visible = true
		} else if !errors.Is(err, sql.ErrNoRows) {
			return store.Workspace{}, err
		}
	}
	if !visible {
		return store.Workspace{}, domainError(CodeWorkspaceNotFound, "workspace not found")
	}

	if err := rc.BindWorkspace(ws); err != nil {
		return store.Workspace{}, err
	}
	return ws, nil
}

// ---- authorization ----

// grantedRole returns the principal's role in the workspace, RoleNone when
// no assignment exists.
func (s *Service) grantedRole(ctx context.Context, principal store.User, workspaceID string) (rbac.Role, error) {
	role, err := s.store.GetRole(ctx, principal.ID, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleNone, nil
	}
	if err != nil {
		return rbac.RoleNone, err
	}
	return role, nil
}

// authorize runs the access-control evaluator and converts denials into
// domain errors. It is called before any handler logic executes.
func (s *Service) authorize(ctx context.Context, principal store.User, ws store.Workspace, required rbac.Role, allowedTypes []string, actualType string) error {
	granted, err := s.grantedRole(ctx, principal, ws.ID)
	if err != nil {
		return err
	}
	decision := rbac.Authorize(rbac.Input{
		SiteAdmin:    principal.IsAdmin,
		Granted:      granted,
		Required:     required,
		AllowedTypes: allowedTypes,
		ActualType:   actualType,
	})
	if decision.Allowed {
		return nil
	}
	if decision.Reason == rbac.ReasonContentTypeNotAllowed {
		return domainError(CodeContentTypeNotAllowed, "operation not allowed for content type "+actualType)
	}
	return domainError(CodeInsufficientProfile, "insufficient role in workspace "+ws.ID)
}

// ---- users ----

func (s *Service) CreateUser(ctx context.Context, actor store.User, email, displayName, password string, isAdmin bool) (map[string]any, error) {
	if !actor.IsAdmin {
		return nil, domainError(CodeInsufficientProfile, "administrative provisioning requires a site admin")
	}
	email = strings.TrimSpace(email)
	displayName = strings.TrimSpace(displayName)
	if email == "" || displayName == "" {
		return nil, domainError(CodeValidation, "email and display name are required")
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, domainError(CodeValidation, "email already registered")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	hash := ""
	if password != "" {
		var err error
		hash, err = authpw.HashPassword(password)
		if err != nil {
			return nil, err
		}
	}
	user := store.User{
		ID:           util.NewID("usr"),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) UpdateUserProfile(ctx context.Context, actor store.User, userID, email, displayName string) (map[string]any, error) {
	if !actor.IsAdmin && actor.ID != userID {
		return nil, domainError(CodeInsufficientProfile, "cannot edit another user's profile")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(CodeValidation, "unknown user")
	}
	if err != nil {
		return nil, err
	}

	email = strings.TrimSpace(email)
	displayName = strings.TrimSpace(displayName)
	if email == "" {
		email = user.Email
	}
	if displayName == "" {
		displayName = user.DisplayName
	}
	if err := s.store.UpdateUserProfile(ctx, userID, email, displayName); err != nil {
		return nil, err
	}
	user.Email = email
	user.DisplayName = displayName
	return userPayload(user), nil
}

func (s *Service) ChangePassword(ctx context.Context, actor store.User, current, next string) error {
	if err := s.passwords.ChangePassword(ctx, actor, current, next); err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return domainError(CodeAuthenticationFailed, "current password rejected")
		}
		return domainError(CodeValidation, err.Error())
	}
	return nil
}

// DeactivateUser disables an account. Users are never deleted so that
// revisions and role history keep valid author references.
func (s *Service) DeactivateUser(ctx context.Context, actor store.User, userID string) error {
	if !actor.IsAdmin {
		return domainError(CodeInsufficientProfile, "deactivation requires a site admin")
	}
	if actor.ID == userID {
		return domainError(CodeValidation, "cannot deactivate yourself")
	}
	if _, err := s.store.GetUserByID(ctx, userID); errors.Is(err, sql.ErrNoRows) {
		return domainError(CodeValidation, "unknown user")
	} else if err != nil {
		return err
	}
	return s.store.DeactivateUser(ctx, userID)
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"userId":      user.ID,
		"email":       user.Email,
		"displayName": user.DisplayName,
		"isAdmin":     user.IsAdmin,
		"active":      user.Active(),
	}
}

// ---- workspaces ----

// CreateWorkspace makes the creator its first workspace manager.
func (s *Service) CreateWorkspace(ctx context.Context, actor store.User, label string, isPublic bool) (map[string]any, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, domainError(CodeValidation, "label is required")
	}
	ws := store.Workspace{
		ID:       util.NewID("ws"),
		Label:    label,
		IsPublic: isPublic,
	}
	if err := s.store.InsertWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	if err := s.store.SetRole(ctx, actor.ID, ws.ID, rbac.RoleWorkspaceManager); err != nil {
		return nil, err
	}
	return workspacePayload(ws), nil
}

// GetWorkspaceDetail relies on the workspace resolver: reaching this point
// already proves the workspace is visible to the principal.
func (s *Service) GetWorkspaceDetail(ctx context.Context, principal store.User, ws store.Workspace) (map[string]any, error) {
	role, err := s.grantedRole(ctx, principal, ws.ID)
	if err != nil {
		return nil, err
	}
	payload := workspacePayload(ws)
	if principal.IsAdmin {
		payload["myRole"] = rbac.RoleWorkspaceManager.String()
	} else if role != rbac.RoleNone {
		payload["myRole"] = role.String()
	}
	return payload, nil
}

func (s *Service) RenameWorkspace(ctx context.Context, principal store.User, ws store.Workspace, label string) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, rbac.RoleWorkspaceManager, nil, ""); err != nil {
		return nil, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, domainError(CodeValidation, "label is required")
	}
	if err := s.store.RenameWorkspace(ctx, ws.ID, label); err != nil {
		return nil, err
	}
	ws.Label = label
	return workspacePayload(ws), nil
}

func (s *Service) DeleteWorkspace(ctx context.Context, principal store.User, ws store.Workspace) error {
	if err := s.authorize(ctx, principal, ws, rbac.RoleWorkspaceManager, nil, ""); err != nil {
		return err
	}
	return s.store.SoftDeleteWorkspace(ctx, ws.ID)
}

func (s *Service) MyWorkspaces(ctx context.Context, principal store.User) (map[string]any, error) {
	items, err := s.store.ListWorkspacesForUser(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, ws := range items {
		payload = append(payload, workspacePayload(ws))
	}
	return map[string]any{"workspaces": payload}, nil
}

func workspacePayload(ws store.Workspace) map[string]any {
	return map[string]any{
		"workspaceId": ws.ID,
		"label":       ws.Label,
		"isPublic":    ws.IsPublic,
	}
}

// ---- members ----

func (s *Service) ListMembers(ctx context.Context, principal store.User, ws store.Workspace) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, rbac.RoleReader, nil, ""); err != nil {
		return nil, err
	}
	assignments, err := s.store.ListRolesForWorkspace(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	members := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		member := map[string]any{
			"userId": a.UserID,
			"role":   a.Role.String(),
		}
		if user, err := s.store.GetUserByID(ctx, a.UserID); err == nil {
			member["email"] = user.Email
			member["displayName"] = user.DisplayName
		}
		members = append(members, member)
	}
	return map[string]any{"members": members}, nil
}

// SetMember grants or replaces a member's role. Replacement is a single
// upsert so the change is atomic.
func (s *Service) SetMember(ctx context.Context, principal store.User, ws store.Workspace, userID, roleLabel string) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, rbac.RoleWorkspaceManager, nil, ""); err != nil {
		return nil, err
	}
	role, ok := rbac.ParseRole(roleLabel)
	if !ok {
		return nil, domainError(CodeValidation, "unknown role "+roleLabel)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(CodeValidation, "unknown user")
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.SetRole(ctx, user.ID, ws.ID, role); err != nil {
		return nil, err
	}
	return map[string]any{
		"userId":      user.ID,
		"workspaceId": ws.ID,
		"role":        role.String(),
	}, nil
}

// RemoveMember revokes a member's role. Removing a missing assignment is
// not an error.
func (s *Service) RemoveMember(ctx context.Context, principal store.User, ws store.Workspace, userID string) error {
	if err := s.authorize(ctx, principal, ws, rbac.RoleWorkspaceManager, nil, ""); err != nil {
		return err
	}
	return s.store.RemoveRole(ctx, userID, ws.ID)
}
