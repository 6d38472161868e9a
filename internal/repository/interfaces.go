package repository

import (
	"context"
	"time"

	"github.com/rpattn/evmbranch/internal/domain"

	"github.com/google/uuid"
)

// Store aggregates the engine's repositories behind one transactional
// boundary. Implementations: Postgres (production) and in-memory (tests and
// ephemeral environments).
type Store interface {
	Versions() VersionRepository
	Branches() BranchRepository
	ChangeOrders() ChangeOrderRepository

	// InTx runs fn against a transactional view of the store. Writes made
	// through the view become visible only if fn returns nil; any error
	// rolls the whole unit back.
	InTx(ctx context.Context, fn func(Store) error) error
}

// VersionRepository persists the append-only version log, one table per
// branchable kind.
type VersionRepository interface {
	// Insert appends one version row. Returns domain.ErrVersionConflict when
	// (entity_id, branch, version) is already taken; the caller re-resolves
	// and retries with the next number.
	Insert(ctx context.Context, v domain.VersionedEntity) error

	// Current returns the highest-version row for the entity on the given
	// branch, regardless of status. domain.ErrEntityNotFound when the entity
	// has no rows on that branch.
	Current(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch string) (domain.VersionedEntity, error)

	// History lists version rows ascending by version. A nil branch spans
	// all branches.
	History(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch *string) ([]domain.VersionedEntity, error)

	// EntitiesOnBranch lists every entity with at least one row on the
	// branch, across all kinds.
	EntitiesOnBranch(ctx context.Context, branch string) ([]domain.EntityRef, error)

	// CopyBranch duplicates every row of source onto dest, preserving
	// version numbers. Returns the number of rows copied.
	CopyBranch(ctx context.Context, source, dest string, recordedAt time.Time) (int, error)

	// RetireBranch rewrites the status column of branch-scoped rows in
	// place. A nil refs slice targets every row on the branch (branch
	// deletion); otherwise only the listed entities (merge retirement).
	// Returns the number of rows touched.
	RetireBranch(ctx context.Context, branch string, status domain.Status, refs []domain.EntityRef) (int, error)
}

// BranchRepository persists branch lifecycle state.
type BranchRepository interface {
	Insert(ctx context.Context, branch domain.Branch) error
	Get(ctx context.Context, name string) (domain.Branch, error)
	List(ctx context.Context) ([]domain.Branch, error)
	UpdateStatus(ctx context.Context, name string, status domain.BranchStatus) (domain.Branch, error)
}

// ChangeOrderRepository persists change-order workflow state.
type ChangeOrderRepository interface {
	Insert(ctx context.Context, order domain.ChangeOrder) error
	Get(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error)
	List(ctx context.Context) ([]domain.ChangeOrder, error)
	Update(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error)
}
