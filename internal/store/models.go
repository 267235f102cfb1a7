package store

import (
	"time"

	"github.com/bbailleux/tracim/internal/rbac"
)

type User struct {
	ID            string
	Email         string
	DisplayName   string
	PasswordHash  string
	IsAdmin       bool
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the user may still authenticate.
func (u User) Active() bool {
	return u.DeactivatedAt == nil
}

type Workspace struct {
	ID        string
	Label     string
	IsPublic  bool
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RoleAssignment struct {
	UserID      string
	WorkspaceID string
	Role        rbac.Role
	CreatedAt   time.Time
}

// Content status values form a closed enumeration. Deleted is terminal.
const (
	StatusDraft     = "draft"
	StatusValidated = "validated"
	StatusArchived  = "archived"
	StatusDeleted   = "deleted"
)

// Content types.
const (
	TypeFolder       = "folder"
	TypeHTMLDocument = "html-document"
	TypeThread       = "thread"
)

// Revision operation kinds.
const (
	OpCreation     = "creation"
	OpEdit         = "edit"
	OpStatusChange = "status-change"
	OpMove         = "move"
	OpDeletion     = "deletion"
)

// Content is a versioned, typed node in a workspace tree. WorkspaceID and
// Type never change after creation; ParentID may change through moves.
// RevisionCount is the sequence number of the latest committed revision.
type Content struct {
	ID            string
	WorkspaceID   string
	ParentID      *string
	Type          string
	Label         string
	Body          string
	Status        string
	RevisionCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Revision is an immutable snapshot of a content entity. Rows are appended
// once per committed mutation and never updated or removed.
type Revision struct {
	ID        string
	ContentID string
	Sequence  int
	Label     string
	Body      string
	Status    string
	Operation string
	AuthorID  string
	CreatedAt time.Time
}
