package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/bbailleux/tracim/internal/config"
	"github.com/bbailleux/tracim/internal/rbac"
	"github.com/bbailleux/tracim/internal/store"
)

// memStore is an in-memory dataStore with the same sequencing behavior as
// the SQL implementation, so service tests exercise real conflict paths.
type memStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	workspaces  map[string]store.Workspace
	roles       map[string]map[string]rbac.Role // workspaceID -> userID -> role
	contents    map[string]store.Content
	revisions   map[string][]store.Revision
	refresh     map[string]refreshEntry
	revokedJTIs map[string]time.Time
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[string]store.User),
		workspaces:  make(map[string]store.Workspace),
		roles:       make(map[string]map[string]rbac.Role),
		contents:    make(map[string]store.Content),
		revisions:   make(map[string][]store.Revision),
		refresh:     make(map[string]refreshEntry),
		revokedJTIs: make(map[string]time.Time),
	}
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) CreateUser(ctx context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) UpdateUserProfile(ctx context.Context, userID, email, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Email = email
	user.DisplayName = displayName
	m.users[userID] = user
	return nil
}

func (m *memStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *memStore) DeactivateUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now()
	user.DeactivatedAt = &now
	m.users[userID] = user
	return nil
}

func (m *memStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = refreshEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.refresh[tokenHash]
	if !ok || time.Now().After(entry.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	user, ok := m.users[entry.userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokedJTIs[jti] = exp
	return nil
}

func (m *memStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revokedJTIs[jti]
	return ok, nil
}

func (m *memStore) InsertWorkspace(ctx context.Context, ws store.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[ws.ID] = ws
	return nil
}

func (m *memStore) GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return ws, nil
}

func (m *memStore) RenameWorkspace(ctx context.Context, workspaceID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return sql.ErrNoRows
	}
	ws.Label = label
	m.workspaces[workspaceID] = ws
	return nil
}

func (m *memStore) SoftDeleteWorkspace(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now()
	ws.DeletedAt = &now
	m.workspaces[workspaceID] = ws
	return nil
}

func (m *memStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []store.Workspace
	for _, ws := range m.workspaces {
		if ws.DeletedAt != nil {
			continue
		}
		if ws.IsPublic {
			result = append(result, ws)
			continue
		}
		if assignments, ok := m.roles[ws.ID]; ok {
			if _, member := assignments[userID]; member {
				result = append(result, ws)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Label < result[j].Label })
	return result, nil
}

func (m *memStore) GetRole(ctx context.Context, userID, workspaceID string) (rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if assignments, ok := m.roles[workspaceID]; ok {
		if role, ok := assignments[userID]; ok {
			return role, nil
		}
	}
	return rbac.RoleNone, sql.ErrNoRows
}

func (m *memStore) SetRole(ctx context.Context, userID, workspaceID string, role rbac.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[workspaceID] == nil {
		m.roles[workspaceID] = make(map[string]rbac.Role)
	}
	m.roles[workspaceID][userID] = role
	return nil
}

func (m *memStore) RemoveRole(ctx context.Context, userID, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if assignments, ok := m.roles[workspaceID]; ok {
		delete(assignments, userID)
	}
	return nil
}

func (m *memStore) ListRolesForWorkspace(ctx context.Context, workspaceID string) ([]store.RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []store.RoleAssignment
	for userID, role := range m.roles[workspaceID] {
		result = append(result, store.RoleAssignment{UserID: userID, WorkspaceID: workspaceID, Role: role})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *memStore) GetContent(ctx context.Context, contentID string) (store.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.contents[contentID]
	if !ok {
		return store.Content{}, sql.ErrNoRows
	}
	return content, nil
}

func (m *memStore) CreateContent(ctx context.Context, content store.Content, rev store.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents[content.ID] = content
	m.revisions[content.ID] = append(m.revisions[content.ID], rev)
	return nil
}

func (m *memStore) CommitRevision(ctx context.Context, content store.Content, rev store.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.contents[content.ID]
	if !ok {
		return sql.ErrNoRows
	}
	if rev.Sequence != current.RevisionCount+1 {
		return store.ErrSequenceConflict
	}
	content.RevisionCount = rev.Sequence
	m.contents[content.ID] = content
	m.revisions[content.ID] = append(m.revisions[content.ID], rev)
	return nil
}

func (m *memStore) ListRevisions(ctx context.Context, contentID string) ([]store.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revisions := append([]store.Revision(nil), m.revisions[contentID]...)
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].Sequence < revisions[j].Sequence })
	return revisions, nil
}

func (m *memStore) ListChildren(ctx context.Context, workspaceID string, parentID *string) ([]store.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []store.Content
	for _, content := range m.contents {
		if content.WorkspaceID != workspaceID || content.Status == store.StatusDeleted {
			continue
		}
		if parentID == nil {
			if content.ParentID != nil {
				continue
			}
		} else if content.ParentID == nil || *content.ParentID != *parentID {
			continue
		}
		result = append(result, content)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Label < result[j].Label })
	return result, nil
}

func (m *memStore) SubtreeIDs(ctx context.Context, contentID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{contentID}
	frontier := []string{contentID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, content := range m.contents {
			if content.ParentID != nil && *content.ParentID == next {
				ids = append(ids, content.ID)
				frontier = append(frontier, content.ID)
			}
		}
	}
	return ids, nil
}

func newTestService(ms *memStore) *Service {
	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
	}
	return newService(cfg, ms, pgSessions{store: ms})
}
