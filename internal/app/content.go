package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/bbailleux/tracim/internal/rbac"
	"github.com/bbailleux/tracim/internal/store"
	"github.com/bbailleux/tracim/internal/util"
)

// URL slugs to stored content types.
var contentTypeSlugs = map[string]string{
	"folders":        store.TypeFolder,
	"html-documents": store.TypeHTMLDocument,
	"threads":        store.TypeThread,
}

// ContentTypeFromSlug resolves a URL path segment to a content type.
func ContentTypeFromSlug(slug string) (string, bool) {
	t, ok := contentTypeSlugs[slug]
	return t, ok
}

// creationRole returns the minimum role needed to create a content type.
// Folders shape the workspace so they need a content manager; documents and
// threads only need a contributor.
func creationRole(contentType string) rbac.Role {
	if contentType == store.TypeFolder {
		return rbac.RoleContentManager
	}
	return rbac.RoleContributor
}

// getOne loads a content entity and checks it against the workspace and the
// expected type from the URL. A wrong workspace reads as not found; a type
// mismatch means the caller used the wrong endpoint for an existing entity.
func (s *Service) getOne(ctx context.Context, ws store.Workspace, contentID, expectedType string) (store.Content, error) {
	content, err := s.store.GetContent(ctx, contentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Content{}, domainError(CodeContentNotFound, "content not found")
	}
	if err != nil {
		return store.Content{}, err
	}
	if content.WorkspaceID != ws.ID {
		return store.Content{}, domainError(CodeContentNotFound, "content not found")
	}
	if expectedType != "" && content.Type != expectedType {
		return store.Content{}, domainError(CodeContentTypeNotAllowed, "content is a "+content.Type+", not a "+expectedType)
	}
	return content, nil
}

// CreateContentOp creates a content entity together with its first revision.
func (s *Service) CreateContentOp(ctx context.Context, principal store.User, ws store.Workspace, contentType, label, body string, parentID *string) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, creationRole(contentType), nil, contentType); err != nil {
		return nil, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, domainError(CodeValidation, "label is required")
	}
	if parentID != nil {
		parent, err := s.getOne(ctx, ws, *parentID, "")
		if err != nil {
			return nil, err
		}
		if parent.Type != store.TypeFolder {
			return nil, domainError(CodeValidation, "parent must be a folder")
		}
		if parent.Status == store.StatusDeleted {
			return nil, domainError(CodeContentNotFound, "content not found")
		}
	}

	content := store.Content{
		ID:            util.NewID("ct"),
		WorkspaceID:   ws.ID,
		ParentID:      parentID,
		Type:          contentType,
		Label:         label,
		Body:          body,
		Status:        store.StatusDraft,
		RevisionCount: 1,
	}
	rev := store.Revision{
		ID:        util.NewID("rev"),
		ContentID: content.ID,
		Sequence:  1,
		Label:     content.Label,
		Body:      content.Body,
		Status:    content.Status,
		Operation: store.OpCreation,
		AuthorID:  principal.ID,
	}
	if err := s.store.CreateContent(ctx, content, rev); err != nil {
		return nil, err
	}
	return s.contentInContext(ctx, principal, ws, content)
}

// GetContentOp returns one content entity.
func (s *Service) GetContentOp(ctx context.Context, principal store.User, ws store.Workspace, contentID, expectedType string) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, rbac.RoleReader, nil, expectedType); err != nil {
		return nil, err
	}
	content, err := s.getOne(ctx, ws, contentID, expectedType)
	if err != nil {
		return nil, err
	}
	return s.contentInContext(ctx, principal, ws, content)
}

// UpdateContentOp replaces label and body inside one revision scope.
func (s *Service) UpdateContentOp(ctx context.Context, principal store.User, ws store.Workspace, contentID, expectedType, label, body string) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, rbac.RoleContributor, nil, expectedType); err != nil {
		return nil, err
	}
	content, err := s.getOne(ctx, ws, contentID, expectedType)
	if err != nil {
		return nil, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, domainError(CodeValidation, "label is required")
	}

	scope, err := s.OpenRevision(&content)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	scope.UpdateContent(label, body)
	if err := scope.Commit(ctx, principal); err != nil {
		return nil, err
	}
	return s.contentInContext(ctx, principal, ws, content)
}

// SetStatusOp applies a status transition as its own revision.
func (s *Service) SetStatusOp(ctx context.Context, principal store.User, ws store.Workspace, contentID, expectedType, newStatus string) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, rbac.RoleContributor, nil, expectedType); err != nil {
		return nil, err
	}
	content, err := s.getOne(ctx, ws, contentID, expectedType)
	if err != nil {
		return nil, err
	}

	scope, err := s.OpenRevision(&content)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	if err := scope.SetStatus(newStatus); err != nil {
		return nil, err
	}
	if err := scope.Commit(ctx, principal); err != nil {
		return nil, err
	}
	return s.contentInContext(ctx, principal, ws, content)
}

// MoveContentOp reparents a content entity within its workspace. Moving a
// folder under itself or one of its descendants is rejected.
func (s *Service) MoveContentOp(ctx context.Context, principal store.User, ws store.Workspace, contentID, expectedType string, newParentID *string) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, rbac.RoleContentManager, nil, expectedType); err != nil {
		return nil, err
	}
	content, err := s.getOne(ctx, ws, contentID, expectedType)
	if err != nil {
		return nil, err
	}
	if newParentID != nil {
		parent, err := s.getOne(ctx, ws, *newParentID, "")
		if err != nil {
			return nil, err
		}
		if parent.Type != store.TypeFolder {
			return nil, domainError(CodeValidation, "destination must be a folder")
		}
		subtree, err := s.store.SubtreeIDs(ctx, content.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range subtree {
			if id == *newParentID {
				return nil, domainError(CodeValidation, "cannot move content into its own subtree")
			}
		}
	}

	scope, err := s.OpenRevision(&content)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	scope.MoveTo(newParentID)
	if err := scope.Commit(ctx, principal); err != nil {
		return nil, err
	}
	return s.contentInContext(ctx, principal, ws, content)
}

// DeleteContentOp soft-deletes an entity by recording a deletion revision.
func (s *Service) DeleteContentOp(ctx context.Context, principal store.User, ws store.Workspace, contentID, expectedType string) error {
	if err := s.authorize(ctx, principal, ws, rbac.RoleContentManager, nil, expectedType); err != nil {
		return err
	}
	content, err := s.getOne(ctx, ws, contentID, expectedType)
	if err != nil {
		return err
	}

	scope, err := s.OpenRevision(&content)
	if err != nil {
		return err
	}
	defer scope.Close()

	if err := scope.Delete(); err != nil {
		return err
	}
	return scope.Commit(ctx, principal)
}

// ListRevisionsOp returns the full revision history, oldest first.
func (s *Service) ListRevisionsOp(ctx context.Context, principal store.User, ws store.Workspace, contentID, expectedType string) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, rbac.RoleReader, nil, expectedType); err != nil {
		return nil, err
	}
	content, err := s.getOne(ctx, ws, contentID, expectedType)
	if err != nil {
		return nil, err
	}
	revisions, err := s.store.ListRevisions(ctx, content.ID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		payload = append(payload, revisionPayload(rev))
	}
	return map[string]any{
		"contentId": content.ID,
		"revisions": payload,
	}, nil
}

// ChildrenOp lists the non-deleted folders under a parent, or under the
// workspace root when folderID is empty. An exclusion list supports move
// dialogs that must not offer the moved subtree as a destination.
func (s *Service) ChildrenOp(ctx context.Context, principal store.User, ws store.Workspace, folderID string, excludeIDs []string) (map[string]any, error) {
	if err := s.authorize(ctx, principal, ws, rbac.RoleReader, []string{store.TypeFolder}, store.TypeFolder); err != nil {
		return nil, err
	}
	var parentID *string
	if folderID != "" {
		folder, err := s.getOne(ctx, ws, folderID, store.TypeFolder)
		if err != nil {
			return nil, err
		}
		parentID = &folder.ID
	}
	children, err := s.store.ListChildren(ctx, ws.ID, parentID)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}
	payload := make([]map[string]any, 0, len(children))
	for _, child := range children {
		if child.Type != store.TypeFolder {
			continue
		}
		if _, skip := excluded[child.ID]; skip {
			continue
		}
		item, err := s.contentInContext(ctx, principal, ws, child)
		if err != nil {
			return nil, err
		}
		payload = append(payload, item)
	}
	return map[string]any{"items": payload}, nil
}

// contentInContext projects an entity together with what the viewer may do
// to it, so clients never have to re-derive permissions.
func (s *Service) contentInContext(ctx context.Context, principal store.User, ws store.Workspace, content store.Content) (map[string]any, error) {
	granted, err := s.grantedRole(ctx, principal, ws.ID)
	if err != nil {
		return nil, err
	}
	canEdit := principal.IsAdmin || granted.Meets(rbac.RoleContributor)
	canManage := principal.IsAdmin || granted.Meets(rbac.RoleContentManager)

	payload := map[string]any{
		"contentId":     content.ID,
		"workspaceId":   content.WorkspaceID,
		"contentType":   content.Type,
		"label":         content.Label,
		"body":          content.Body,
		"status":        content.Status,
		"revisionCount": content.RevisionCount,
		"canEdit":       canEdit && content.Status != store.StatusDeleted,
		"canManage":     canManage,
	}
	if content.ParentID != nil {
		payload["parentId"] = *content.ParentID
	}
	return payload, nil
}

func revisionPayload(rev store.Revision) map[string]any {
	return map[string]any{
		"revisionId": rev.ID,
		"contentId":  rev.ContentID,
		"sequence":   rev.Sequence,
		"label":      rev.Label,
		"body":       rev.Body,
		"status":     rev.Status,
		"operation":  rev.Operation,
		"authorId":   rev.AuthorID,
		"createdAt":  rev.CreatedAt,
	}
}
