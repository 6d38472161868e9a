// Package versionstore implements the versioned-entity store: append-only
// version logs per entity kind with copy-on-write branch resolution.
package versionstore

import (
	"context"
	"errors"
	"time"

	"github.com/rpattn/evmbranch/internal/domain"
	"github.com/rpattn/evmbranch/internal/repository"

	"github.com/google/uuid"
)

// maxAppendRetries bounds the optimistic retry loop when two writers race to
// append the same version number. The loser re-resolves and takes the next
// slot, so a single retry normally suffices.
const maxAppendRetries = 3

// Store exposes the versioned-entity operations backed by a repository.
type Store struct {
	repo repository.Store
	now  func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the timestamp source, used by tests exercising the
// control-date filter.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store on top of the given repository.
func New(repo repository.Store, opts ...Option) *Store {
	store := &Store{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// ResolveOptions narrow a read beyond branch resolution.
type ResolveOptions struct {
	// ControlDate hides versions recorded after the cutoff.
	ControlDate *time.Time
	// AsOf switches from current semantics (the resolved version is either
	// visible or hidden) to history semantics (walk back to the latest
	// version recorded on or before the control date).
	AsOf bool
}

// Create allocates a new entity and writes version 1 on the given branch.
func (s *Store) Create(ctx context.Context, kind domain.Kind, branch string, payload map[string]any) (domain.VersionedEntity, error) {
	if err := domain.ValidatePayload(kind, payload); err != nil {
		return domain.VersionedEntity{}, err
	}
	if err := s.checkMutable(ctx, branch); err != nil {
		return domain.VersionedEntity{}, err
	}

	version := domain.VersionedEntity{
		EntityID:   uuid.New(),
		Kind:       kind,
		Branch:     branch,
		Version:    1,
		Status:     domain.StatusActive,
		Payload:    domain.ClonePayload(payload),
		RecordedAt: s.now(),
	}
	if err := s.repo.Versions().Insert(ctx, version); err != nil {
		return domain.VersionedEntity{}, err
	}
	return version, nil
}

// Update appends a new active version with the given payload on the branch.
// An entity that only exists on trunk is materialized onto the branch at
// trunk-current-version+1, keeping one monotone version timeline per entity.
func (s *Store) Update(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch string, payload map[string]any) (domain.VersionedEntity, error) {
	if err := domain.ValidatePayload(kind, payload); err != nil {
		return domain.VersionedEntity{}, err
	}
	if err := s.checkMutable(ctx, branch); err != nil {
		return domain.VersionedEntity{}, err
	}

	return s.append(ctx, kind, entityID, branch, func(current domain.VersionedEntity) (domain.VersionedEntity, error) {
		if current.Status != domain.StatusActive {
			return domain.VersionedEntity{}, domain.ErrEntityNotFound
		}
		return domain.VersionedEntity{
			EntityID: entityID,
			Kind:     kind,
			Branch:   branch,
			Version:  current.Version + 1,
			Status:   domain.StatusActive,
			Payload:  domain.ClonePayload(payload),
		}, nil
	})
}

// SoftDelete appends a deleted version. The payload of the current version
// is carried along so restore can recover it.
func (s *Store) SoftDelete(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch string) (domain.VersionedEntity, error) {
	if err := s.checkMutable(ctx, branch); err != nil {
		return domain.VersionedEntity{}, err
	}

	return s.append(ctx, kind, entityID, branch, func(current domain.VersionedEntity) (domain.VersionedEntity, error) {
		if current.Status == domain.StatusDeleted {
			return domain.VersionedEntity{}, domain.ErrAlreadyDeleted
		}
		return domain.VersionedEntity{
			EntityID: entityID,
			Kind:     kind,
			Branch:   branch,
			Version:  current.Version + 1,
			Status:   domain.StatusDeleted,
			Payload:  domain.ClonePayload(current.Payload),
		}, nil
	})
}

// Restore appends an active version copying the payload of the last
// non-deleted version.
func (s *Store) Restore(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch string) (domain.VersionedEntity, error) {
	if err := s.checkMutable(ctx, branch); err != nil {
		return domain.VersionedEntity{}, err
	}

	return s.append(ctx, kind, entityID, branch, func(current domain.VersionedEntity) (domain.VersionedEntity, error) {
		if current.Status != domain.StatusDeleted {
			return domain.VersionedEntity{}, domain.ErrNotDeleted
		}

		payload, err := s.lastActivePayload(ctx, kind, entityID, current)
		if err != nil {
			return domain.VersionedEntity{}, err
		}
		return domain.VersionedEntity{
			EntityID: entityID,
			Kind:     kind,
			Branch:   branch,
			Version:  current.Version + 1,
			Status:   domain.StatusActive,
			Payload:  payload,
		}, nil
	})
}

// Resolve returns the entity visible on the branch: the branch's current
// version if the branch has any rows, else trunk's (copy-on-write). A
// control date is applied after resolution.
func (s *Store) Resolve(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch string, opts ResolveOptions) (domain.VersionedEntity, error) {
	if opts.AsOf && opts.ControlDate != nil {
		return s.resolveAsOf(ctx, kind, entityID, branch, *opts.ControlDate)
	}

	current, err := ResolveCurrent(ctx, s.repo.Versions(), kind, entityID, branch)
	if err != nil {
		return domain.VersionedEntity{}, err
	}
	if current.Status != domain.StatusActive {
		return domain.VersionedEntity{}, domain.ErrEntityNotFound
	}

	filter := domain.ControlDateFilter{ControlDate: opts.ControlDate}
	if !filter.Visible(current) {
		// Edited after the control date: not yet visible, not frozen at an
		// older version.
		return domain.VersionedEntity{}, domain.ErrEntityNotFound
	}
	return current, nil
}

// History lists every version of the entity, optionally limited to one
// branch, ordered by version ascending.
func (s *Store) History(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch *string) ([]domain.VersionedEntity, error) {
	rows, err := s.repo.Versions().History(ctx, kind, entityID, branch)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrEntityNotFound
	}
	return rows, nil
}

// ResolveCurrent applies copy-on-write resolution against a raw version
// repository: the branch's highest version when the branch has rows, else
// trunk's. Shared with the merge engine, which resolves inside its own
// transaction.
func ResolveCurrent(ctx context.Context, versions repository.VersionRepository, kind domain.Kind, entityID uuid.UUID, branch string) (domain.VersionedEntity, error) {
	current, err := versions.Current(ctx, kind, entityID, branch)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, domain.ErrEntityNotFound) || branch == domain.TrunkBranch {
		return domain.VersionedEntity{}, err
	}
	return versions.Current(ctx, kind, entityID, domain.TrunkBranch)
}

func (s *Store) resolveAsOf(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch string, controlDate time.Time) (domain.VersionedEntity, error) {
	resolved, err := s.asOfOnBranch(ctx, kind, entityID, branch, controlDate)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, domain.ErrEntityNotFound) || branch == domain.TrunkBranch {
		return domain.VersionedEntity{}, err
	}
	return s.asOfOnBranch(ctx, kind, entityID, domain.TrunkBranch, controlDate)
}

// asOfOnBranch walks the branch's history for the newest version recorded on
// or before the control date. The branch masks trunk as soon as it has any
// row at all, matching current-semantics resolution.
func (s *Store) asOfOnBranch(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch string, controlDate time.Time) (domain.VersionedEntity, error) {
	rows, err := s.repo.Versions().History(ctx, kind, entityID, &branch)
	if err != nil {
		return domain.VersionedEntity{}, err
	}
	if len(rows) == 0 {
		return domain.VersionedEntity{}, domain.ErrEntityNotFound
	}

	var (
		best  domain.VersionedEntity
		found bool
	)
	for _, row := range rows {
		if row.RecordedAt.After(controlDate) {
			continue
		}
		if !found || row.Version > best.Version {
			best = row
			found = true
		}
	}
	if !found || best.Status != domain.StatusActive {
		return domain.VersionedEntity{}, domain.ErrEntityNotFound
	}
	return best, nil
}

// append runs the resolve-then-insert loop. build receives the currently
// resolved version and returns the row to append; losing an append race
// re-resolves and tries the next version number.
func (s *Store) append(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch string, build func(domain.VersionedEntity) (domain.VersionedEntity, error)) (domain.VersionedEntity, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		current, err := ResolveCurrent(ctx, s.repo.Versions(), kind, entityID, branch)
		if err != nil {
			return domain.VersionedEntity{}, err
		}

		next, err := build(current)
		if err != nil {
			return domain.VersionedEntity{}, err
		}
		next.RecordedAt = s.now()

		if err := s.repo.Versions().Insert(ctx, next); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return domain.VersionedEntity{}, err
		}
		return next, nil
	}
	return domain.VersionedEntity{}, lastErr
}

// lastActivePayload finds the payload to restore: the highest-version
// non-deleted row at or below the deleted current, on the branch the current
// row lives on.
func (s *Store) lastActivePayload(ctx context.Context, kind domain.Kind, entityID uuid.UUID, current domain.VersionedEntity) (map[string]any, error) {
	rows, err := s.repo.Versions().History(ctx, kind, entityID, &current.Branch)
	if err != nil {
		return nil, err
	}

	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Version <= current.Version && rows[i].Status == domain.StatusActive {
			return domain.ClonePayload(rows[i].Payload), nil
		}
	}
	// The deleted row itself carries the pre-deletion payload.
	return domain.ClonePayload(current.Payload), nil
}

// checkMutable enforces the advisory branch lock on every mutating call.
func (s *Store) checkMutable(ctx context.Context, branchName string) error {
	branch, err := s.repo.Branches().Get(ctx, branchName)
	if err != nil {
		return err
	}
	if !branch.Mutable() {
		return domain.ErrBranchLocked
	}
	return nil
}
