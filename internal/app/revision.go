package app

import (
	"context"
	"errors"
	"sync"

	"github.com/bbailleux/tracim/internal/store"
	"github.com/bbailleux/tracim/internal/util"
)

// Status transitions. Deleted is terminal; anything except deleted may be
// deleted. A same-status request is only valid when other fields changed
// inside the same scope.
var statusTransitions = map[string][]string{
	store.StatusDraft:     {store.StatusValidated, store.StatusDeleted},
	store.StatusValidated: {store.StatusArchived, store.StatusDeleted},
	store.StatusArchived:  {store.StatusDeleted},
	store.StatusDeleted:   {},
}

func transitionAllowed(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func knownStatus(status string) bool {
	_, ok := statusTransitions[status]
	return ok
}

// revisionGuard serializes logical edits per content entity within this
// process. The database sequence check covers writers in other processes.
type revisionGuard struct {
	mu   sync.Mutex
	open map[string]struct{}
}

func newRevisionGuard() *revisionGuard {
	return &revisionGuard{open: make(map[string]struct{})}
}

func (g *revisionGuard) acquire(contentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.open[contentID]; busy {
		return false
	}
	g.open[contentID] = struct{}{}
	return true
}

func (g *revisionGuard) release(contentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.open, contentID)
}

// RevisionScope demarcates one logical edit of a content entity. Mutations
// are staged on the in-memory entity so several field changes inside one
// scope still produce exactly one revision. Commit persists the content
// update and the new revision row atomically; Close rolls the staged fields
// back when no commit happened. Always defer Close.
type RevisionScope struct {
	svc       *Service
	content   *store.Content
	snapshot  store.Content
	operation string
	committed bool
	closed    bool
}

// OpenRevision starts a revision scope for the entity. A second open scope
// for the same entity fails with RevisionScopeConflict so two concurrent
// logical edits can never interleave into one ambiguous revision.
func (s *Service) OpenRevision(content *store.Content) (*RevisionScope, error) {
	if !s.revisions.acquire(content.ID) {
		return nil, domainError(CodeRevisionScopeConflict, "another edit of this content is in progress")
	}
	return &RevisionScope{
		svc:      s,
		content:  content,
		snapshot: *content,
	}, nil
}

func (sc *RevisionScope) dirty() bool {
	c, snap := sc.content, &sc.snapshot
	return c.Label != snap.Label ||
		c.Body != snap.Body ||
		c.Status != snap.Status ||
		!sameParent(c.ParentID, snap.ParentID)
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// UpdateContent stages new label and body values. No revision is written
// until Commit.
func (sc *RevisionScope) UpdateContent(newLabel, newBody string) {
	sc.content.Label = newLabel
	sc.content.Body = newBody
	sc.operation = store.OpEdit
}

// SetStatus stages a status change, validating it against the transition
// table. Requesting the current status is only accepted when other fields
// already changed inside this scope; a pure status no-op would produce a
// meaningless revision and is rejected.
func (sc *RevisionScope) SetStatus(newStatus string) error {
	if !knownStatus(newStatus) {
		return domainError(CodeInvalidStatusTransition, "unknown status "+newStatus)
	}
	current := sc.snapshot.Status
	if newStatus == current {
		if !sc.dirty() {
			return domainError(CodeInvalidStatusTransition, "status is already "+newStatus)
		}
		return nil
	}
	if !transitionAllowed(current, newStatus) {
		return domainError(CodeInvalidStatusTransition, "cannot change status from "+current+" to "+newStatus)
	}
	sc.content.Status = newStatus
	sc.operation = store.OpStatusChange
	return nil
}

// MoveTo stages a new parent for the entity.
func (sc *RevisionScope) MoveTo(parentID *string) {
	sc.content.ParentID = parentID
	sc.operation = store.OpMove
}

// Delete stages the terminal status. Content is never physically removed;
// the deletion itself becomes a revision.
func (sc *RevisionScope) Delete() error {
	if sc.snapshot.Status == store.StatusDeleted {
		return domainError(CodeInvalidStatusTransition, "content is already deleted")
	}
	sc.content.Status = store.StatusDeleted
	sc.operation = store.OpDeletion
	return nil
}

// Commit persists the staged entity and exactly one new revision as a
// single atomic unit. On any failure the staged fields are rolled back and
// the entity is left exactly as it was at scope entry.
func (sc *RevisionScope) Commit(ctx context.Context, author store.User) error {
	if sc.closed {
		return errors.New("revision scope already closed")
	}
	if sc.committed {
		return errors.New("revision scope already committed")
	}
	if sc.operation == "" {
		return domainError(CodeValidation, "no staged changes to commit")
	}

	rev := store.Revision{
		ID:        util.NewID("rev"),
		ContentID: sc.content.ID,
		Sequence:  sc.snapshot.RevisionCount + 1,
		Label:     sc.content.Label,
		Body:      sc.content.Body,
		Status:    sc.content.Status,
		Operation: sc.operation,
		AuthorID:  author.ID,
	}

	if err := sc.svc.store.CommitRevision(ctx, *sc.content, rev); err != nil {
		*sc.content = sc.snapshot
		if errors.Is(err, store.ErrSequenceConflict) {
			return domainError(CodeRevisionScopeConflict, "concurrent edit detected, retry the operation")
		}
		return err
	}

	sc.content.RevisionCount = rev.Sequence
	sc.committed = true
	return nil
}

// Close releases the scope. Safe to call more than once; without a prior
// Commit it restores the entity's pre-scope state. Runs on every exit path,
// including cancellation, when deferred.
func (sc *RevisionScope) Close() {
	if sc.closed {
		return
	}
	sc.closed = true
	if !sc.committed {
		*sc.content = sc.snapshot
	}
	sc.svc.revisions.release(sc.content.ID)
}
