package app

import (
	"context"
	"testing"

	"github.com/bbailleux/tracim/internal/rbac"
	"github.com/bbailleux/tracim/internal/store"
)

func TestCreateContentRoleRequirements(t *testing.T) {
	ms := newMemStore()
	contributor := seedUser(ms, "usr_contributor", false)
	manager := seedUser(ms, "usr_manager", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, contributor.ID, ws.ID, rbac.RoleContributor)
	seedRole(ms, manager.ID, ws.ID, rbac.RoleContentManager)
	svc := newTestService(ms)

	// A contributor may create documents but not folders.
	if _, err := svc.CreateContentOp(context.Background(), contributor, ws, store.TypeHTMLDocument, "Doc", "", nil); err != nil {
		t.Fatalf("contributor document creation: %v", err)
	}
	if _, err := svc.CreateContentOp(context.Background(), contributor, ws, store.TypeFolder, "Folder", "", nil); !IsCode(err, CodeInsufficientProfile) {
		t.Fatalf("expected INSUFFICIENT_USER_PROFILE for contributor folder, got %v", err)
	}
	if _, err := svc.CreateContentOp(context.Background(), manager, ws, store.TypeFolder, "Folder", "", nil); err != nil {
		t.Fatalf("content manager folder creation: %v", err)
	}
}

func TestCreateContentFirstRevision(t *testing.T) {
	ms := newMemStore()
	author := seedUser(ms, "usr_author", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, author.ID, ws.ID, rbac.RoleContributor)
	svc := newTestService(ms)

	payload, err := svc.CreateContentOp(context.Background(), author, ws, store.TypeThread, "Question", "anyone?", nil)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	contentID := payload["contentId"].(string)

	revisions, _ := ms.ListRevisions(context.Background(), contentID)
	if len(revisions) != 1 {
		t.Fatalf("expected one revision, got %d", len(revisions))
	}
	if revisions[0].Sequence != 1 || revisions[0].Operation != store.OpCreation {
		t.Fatalf("expected creation revision with sequence 1, got %+v", revisions[0])
	}
	if payload["status"] != store.StatusDraft {
		t.Fatalf("expected draft status, got %v", payload["status"])
	}
}

func TestCreateContentRejectsNonFolderParent(t *testing.T) {
	ms := newMemStore()
	author := seedUser(ms, "usr_author", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, author.ID, ws.ID, rbac.RoleContentManager)
	doc := seedDocument(ms, ws.ID, "ct_doc")
	svc := newTestService(ms)

	_, err := svc.CreateContentOp(context.Background(), author, ws, store.TypeThread, "Q", "", &doc.ID)
	if !IsCode(err, CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for document parent, got %v", err)
	}
}

func TestGetContentTypeMismatch(t *testing.T) {
	ms := newMemStore()
	reader := seedUser(ms, "usr_reader", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, reader.ID, ws.ID, rbac.RoleReader)
	seedDocument(ms, ws.ID, "ct_doc")
	svc := newTestService(ms)

	// Fetching a document through the thread endpoint reveals the mismatch.
	_, err := svc.GetContentOp(context.Background(), reader, ws, "ct_doc", store.TypeThread)
	if !IsCode(err, CodeContentTypeNotAllowed) {
		t.Fatalf("expected CONTENT_TYPE_NOT_ALLOWED, got %v", err)
	}
}

func TestGetContentWrongWorkspaceReadsAsMissing(t *testing.T) {
	ms := newMemStore()
	reader := seedUser(ms, "usr_reader", false)
	home := seedWorkspace(ms, "ws_home", false)
	other := seedWorkspace(ms, "ws_other", false)
	seedRole(ms, reader.ID, home.ID, rbac.RoleReader)
	seedRole(ms, reader.ID, other.ID, rbac.RoleReader)
	seedDocument(ms, other.ID, "ct_elsewhere")
	svc := newTestService(ms)

	_, err := svc.GetContentOp(context.Background(), reader, home, "ct_elsewhere", store.TypeHTMLDocument)
	if !IsCode(err, CodeContentNotFound) {
		t.Fatalf("expected CONTENT_NOT_FOUND across workspaces, got %v", err)
	}
}

func TestUpdateContentRequiresContributor(t *testing.T) {
	ms := newMemStore()
	reader := seedUser(ms, "usr_reader", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, reader.ID, ws.ID, rbac.RoleReader)
	seedDocument(ms, ws.ID, "ct_doc")
	svc := newTestService(ms)

	_, err := svc.UpdateContentOp(context.Background(), reader, ws, "ct_doc", store.TypeHTMLDocument, "New", "body")
	if !IsCode(err, CodeInsufficientProfile) {
		t.Fatalf("expected INSUFFICIENT_USER_PROFILE, got %v", err)
	}
}

func TestAdminBypassesRoleChecks(t *testing.T) {
	ms := newMemStore()
	admin := seedUser(ms, "usr_admin", true)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedDocument(ms, ws.ID, "ct_doc")
	svc := newTestService(ms)

	// No role assignment at all, yet the admin may edit.
	payload, err := svc.UpdateContentOp(context.Background(), admin, ws, "ct_doc", store.TypeHTMLDocument, "Edited", "by admin")
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if payload["label"] != "Edited" {
		t.Fatalf("expected updated label, got %v", payload["label"])
	}
}

func TestMoveIntoOwnSubtreeRejected(t *testing.T) {
	ms := newMemStore()
	manager := seedUser(ms, "usr_manager", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, manager.ID, ws.ID, rbac.RoleContentManager)
	svc := newTestService(ms)

	top, err := svc.CreateContentOp(context.Background(), manager, ws, store.TypeFolder, "Top", "", nil)
	if err != nil {
		t.Fatalf("create top folder: %v", err)
	}
	topID := top["contentId"].(string)
	child, err := svc.CreateContentOp(context.Background(), manager, ws, store.TypeFolder, "Child", "", &topID)
	if err != nil {
		t.Fatalf("create child folder: %v", err)
	}
	childID := child["contentId"].(string)

	if _, err := svc.MoveContentOp(context.Background(), manager, ws, topID, store.TypeFolder, &childID); !IsCode(err, CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR moving under descendant, got %v", err)
	}
	if _, err := svc.MoveContentOp(context.Background(), manager, ws, topID, store.TypeFolder, &topID); !IsCode(err, CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR moving under itself, got %v", err)
	}
}

func TestMoveRecordsMoveRevision(t *testing.T) {
	ms := newMemStore()
	manager := seedUser(ms, "usr_manager", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, manager.ID, ws.ID, rbac.RoleContentManager)
	seedDocument(ms, ws.ID, "ct_doc")
	svc := newTestService(ms)

	folder, err := svc.CreateContentOp(context.Background(), manager, ws, store.TypeFolder, "Dest", "", nil)
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	folderID := folder["contentId"].(string)

	payload, err := svc.MoveContentOp(context.Background(), manager, ws, "ct_doc", store.TypeHTMLDocument, &folderID)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if payload["parentId"] != folderID {
		t.Fatalf("expected parent %q, got %v", folderID, payload["parentId"])
	}
	revisions, _ := ms.ListRevisions(context.Background(), "ct_doc")
	latest := revisions[len(revisions)-1]
	if latest.Operation != store.OpMove {
		t.Fatalf("expected move revision, got %q", latest.Operation)
	}
}

func TestChildrenFiltersFoldersAndExclusions(t *testing.T) {
	ms := newMemStore()
	manager := seedUser(ms, "usr_manager", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, manager.ID, ws.ID, rbac.RoleContentManager)
	seedDocument(ms, ws.ID, "ct_doc")
	svc := newTestService(ms)

	for _, label := range []string{"Alpha", "Beta"} {
		if _, err := svc.CreateContentOp(context.Background(), manager, ws, store.TypeFolder, label, "", nil); err != nil {
			t.Fatalf("create folder %s: %v", label, err)
		}
	}

	payload, err := svc.ChildrenOp(context.Background(), manager, ws, "", nil)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	items := payload["items"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 folders (document filtered out), got %d", len(items))
	}
	if items[0]["label"] != "Alpha" || items[1]["label"] != "Beta" {
		t.Fatalf("expected label ordering Alpha,Beta got %v,%v", items[0]["label"], items[1]["label"])
	}

	excluded, err := svc.ChildrenOp(context.Background(), manager, ws, "", []string{items[0]["contentId"].(string)})
	if err != nil {
		t.Fatalf("children with exclusion: %v", err)
	}
	remaining := excluded["items"].([]map[string]any)
	if len(remaining) != 1 || remaining[0]["label"] != "Beta" {
		t.Fatalf("expected only Beta after exclusion, got %v", remaining)
	}
}

func TestDeleteContentHidesFromChildren(t *testing.T) {
	ms := newMemStore()
	manager := seedUser(ms, "usr_manager", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, manager.ID, ws.ID, rbac.RoleContentManager)
	svc := newTestService(ms)

	folder, err := svc.CreateContentOp(context.Background(), manager, ws, store.TypeFolder, "Doomed", "", nil)
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	folderID := folder["contentId"].(string)

	if err := svc.DeleteContentOp(context.Background(), manager, ws, folderID, store.TypeFolder); err != nil {
		t.Fatalf("delete: %v", err)
	}

	payload, err := svc.ChildrenOp(context.Background(), manager, ws, "", nil)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if items := payload["items"].([]map[string]any); len(items) != 0 {
		t.Fatalf("expected deleted folder hidden, got %v", items)
	}

	// The history keeps the deletion on record.
	revisions, _ := ms.ListRevisions(context.Background(), folderID)
	if len(revisions) != 2 || revisions[1].Operation != store.OpDeletion {
		t.Fatalf("expected creation+deletion revisions, got %+v", revisions)
	}
}

func TestContentProjectionPermissionFlags(t *testing.T) {
	ms := newMemStore()
	reader := seedUser(ms, "usr_reader", false)
	contributor := seedUser(ms, "usr_contributor", false)
	ws := seedWorkspace(ms, "ws_docs", false)
	seedRole(ms, reader.ID, ws.ID, rbac.RoleReader)
	seedRole(ms, contributor.ID, ws.ID, rbac.RoleContributor)
	seedDocument(ms, ws.ID, "ct_doc")
	svc := newTestService(ms)

	viewed, err := svc.GetContentOp(context.Background(), reader, ws, "ct_doc", store.TypeHTMLDocument)
	if err != nil {
		t.Fatalf("reader get: %v", err)
	}
	if viewed["canEdit"] != false || viewed["canManage"] != false {
		t.Fatalf("reader should have no edit rights: %+v", viewed)
	}

	viewed, err = svc.GetContentOp(context.Background(), contributor, ws, "ct_doc", store.TypeHTMLDocument)
	if err != nil {
		t.Fatalf("contributor get: %v", err)
	}
	if viewed["canEdit"] != true || viewed["canManage"] != false {
		t.Fatalf("contributor should edit but not manage: %+v", viewed)
	}
}
