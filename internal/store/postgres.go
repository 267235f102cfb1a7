package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bbailleux/tracim/internal/rbac"
)

// ErrSequenceConflict reports that a revision lost the race for its
// sequence number. The caller may retry the whole logical edit.
var ErrSequenceConflict = errors.New("revision sequence conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- users ----

const userColumns = `id, email, display_name, password_hash, is_admin, deactivated_at, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&user.IsAdmin,
		&user.DeactivatedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, is_admin)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.IsAdmin)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID, email, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET email=$2, display_name=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, email, displayName)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW()
		WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

// DeactivateUser marks a user as unable to authenticate. Users are never
// physically removed.
func (s *PostgresStore) DeactivateUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET deactivated_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND deactivated_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return nil
}

// ---- refresh sessions and token revocation ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.display_name, u.password_hash, u.is_admin, u.deactivated_at, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	return scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- workspaces ----

const workspaceColumns = `id, label, is_public, deleted_at, created_at, updated_at`

func scanWorkspace(row *sql.Row) (Workspace, error) {
	var ws Workspace
	err := row.Scan(&ws.ID, &ws.Label, &ws.IsPublic, &ws.DeletedAt, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

func (s *PostgresStore) InsertWorkspace(ctx context.Context, ws Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, label, is_public)
		VALUES ($1, $2, $3)
	`, ws.ID, ws.Label, ws.IsPublic)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns a workspace whether or not it is soft-deleted;
// visibility rules live above the store.
func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	return scanWorkspace(s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=$1`, workspaceID))
}

func (s *PostgresStore) RenameWorkspace(ctx context.Context, workspaceID, label string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET label=$2, updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, workspaceID, label)
	if err != nil {
		return fmt.Errorf("rename workspace: %w", err)
	}
	return nil
}

// SoftDeleteWorkspace hides a workspace without removing it, preserving
// referential integrity with historical content and role assignments.
func (s *PostgresStore) SoftDeleteWorkspace(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET deleted_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, workspaceID)
	if err != nil {
		return fmt.Errorf("soft delete workspace: %w", err)
	}
	return nil
}

// ListWorkspacesForUser returns the non-deleted workspaces the user holds a
// role in, plus public ones.
func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT w.id, w.label, w.is_public, w.deleted_at, w.created_at, w.updated_at
		FROM workspaces w
		LEFT JOIN role_assignments ra ON ra.workspace_id = w.id AND ra.user_id = $1
		WHERE w.deleted_at IS NULL AND (w.is_public OR ra.user_id IS NOT NULL)
		ORDER BY w.label ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Label, &ws.IsPublic, &ws.DeletedAt, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

// ---- role assignments ----

func (s *PostgresStore) GetRole(ctx context.Context, userID, workspaceID string) (rbac.Role, error) {
	var level int
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM role_assignments WHERE user_id=$1 AND workspace_id=$2
	`, userID, workspaceID).Scan(&level)
	if err != nil {
		return rbac.RoleNone, err
	}
	return rbac.Role(level), nil
}

// SetRole replaces any prior assignment for the (user, workspace) pair.
func (s *PostgresStore) SetRole(ctx context.Context, userID, workspaceID string, role rbac.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_assignments (user_id, workspace_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, workspace_id) DO UPDATE SET role=EXCLUDED.role, created_at=NOW()
	`, userID, workspaceID, int(role))
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

// RemoveRole is idempotent; removing a missing assignment is not an error.
func (s *PostgresStore) RemoveRole(ctx context.Context, userID, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM role_assignments WHERE user_id=$1 AND workspace_id=$2
	`, userID, workspaceID)
	if err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRolesForWorkspace(ctx context.Context, workspaceID string) ([]RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, workspace_id, role, created_at
		FROM role_assignments
		WHERE workspace_id=$1
		ORDER BY user_id ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	items := make([]RoleAssignment, 0)
	for rows.Next() {
		var item RoleAssignment
		var level int
		if err := rows.Scan(&item.UserID, &item.WorkspaceID, &level, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		item.Role = rbac.Role(level)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return items, nil
}

// ---- contents and revisions ----

const contentColumns = `id, workspace_id, parent_id, content_type, label, body, status, revision_count, created_at, updated_at`

func (s *PostgresStore) GetContent(ctx context.Context, contentID string) (Content, error) {
	var item Content
	err := s.db.QueryRowContext(ctx, `
		SELECT `+contentColumns+` FROM contents WHERE id=$1
	`, contentID).Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.ParentID,
		&item.Type,
		&item.Label,
		&item.Body,
		&item.Status,
		&item.RevisionCount,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Content{}, err
	}
	return item, nil
}

// CreateContent persists a new content entity together with its creation
// revision as one atomic unit.
func (s *PostgresStore) CreateContent(ctx context.Context, content Content, rev Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create content: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contents (id, workspace_id, parent_id, content_type, label, body, status, revision_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, content.ID, content.WorkspaceID, content.ParentID, content.Type, content.Label, content.Body, content.Status, rev.Sequence); err != nil {
		return fmt.Errorf("insert content: %w", err)
	}

	if err := insertRevision(ctx, tx, rev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create content: %w", err)
	}
	return nil
}

// CommitRevision applies a staged mutation: it updates the content row and
// appends exactly one revision row, atomically. The content row is locked
// for the duration so concurrent writers serialize; a writer whose sequence
// number is stale gets ErrSequenceConflict and nothing is applied.
func (s *PostgresStore) CommitRevision(ctx context.Context, content Content, rev Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revision: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT revision_count FROM contents WHERE id=$1 FOR UPDATE
	`, content.ID).Scan(&current)
	if err != nil {
		return err
	}
	if rev.Sequence != current+1 {
		return ErrSequenceConflict
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE contents
		SET label=$2, body=$3, status=$4, parent_id=$5, revision_count=$6, updated_at=NOW()
		WHERE id=$1
	`, content.ID, content.Label, content.Body, content.Status, content.ParentID, rev.Sequence); err != nil {
		return fmt.Errorf("update content: %w", err)
	}

	if err := insertRevision(ctx, tx, rev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision: %w", err)
	}
	return nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, rev Revision) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (id, content_id, sequence_number, label, body, status, operation, author_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rev.ID, rev.ContentID, rev.Sequence, rev.Label, rev.Body, rev.Status, rev.Operation, rev.AuthorID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSequenceConflict
		}
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, contentID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_id, sequence_number, label, body, status, operation, author_id, created_at
		FROM revisions
		WHERE content_id=$1
		ORDER BY sequence_number ASC
	`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		if err := rows.Scan(
			&item.ID,
			&item.ContentID,
			&item.Sequence,
			&item.Label,
			&item.Body,
			&item.Status,
			&item.Operation,
			&item.AuthorID,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// ListChildren returns the direct children of parent within a workspace,
// ordered by label. Soft-deleted items are excluded. A nil parent selects
// workspace roots.
func (s *PostgresStore) ListChildren(ctx context.Context, workspaceID string, parentID *string) ([]Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentColumns+`
		FROM contents
		WHERE workspace_id=$1
		  AND (($2::text IS NULL AND parent_id IS NULL) OR parent_id=$2)
		  AND status <> 'deleted'
		ORDER BY label ASC
	`, workspaceID, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	items := make([]Content, 0)
	for rows.Next() {
		var item Content
		if err := rows.Scan(
			&item.ID,
			&item.WorkspaceID,
			&item.ParentID,
			&item.Type,
			&item.Label,
			&item.Body,
			&item.Status,
			&item.RevisionCount,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return items, nil
}

// SubtreeIDs returns the ids of a content entity and all its descendants.
// Used to refuse moves that would create a cycle.
func (s *PostgresStore) SubtreeIDs(ctx context.Context, contentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM contents WHERE id=$1
			UNION ALL
			SELECT c.id FROM contents c JOIN subtree s ON c.parent_id = s.id
		)
		SELECT id FROM subtree
	`, contentID)
	if err != nil {
		return nil, fmt.Errorf("subtree ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subtree id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtree ids: %w", err)
	}
	return ids, nil
}
